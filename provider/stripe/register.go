package stripe

import "github.com/payrelay/payrelay/provider"

func init() {
	provider.Register("stripe", New)
}
