package paypal

import "github.com/payrelay/payrelay/provider"

func init() {
	provider.Register("paypal", New)
}
