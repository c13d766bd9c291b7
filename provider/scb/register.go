package scb

import "github.com/payrelay/payrelay/provider"

func init() {
	provider.Register("scb", New)
}
