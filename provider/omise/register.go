package omise

import "github.com/payrelay/payrelay/provider"

func init() {
	provider.Register("omise", New)
}
