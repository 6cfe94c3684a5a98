package gateway

import (
	"strings"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

var nativeStatus = map[string]payment.Status{
	"pending":    payment.StatusPending,
	"settlement": payment.StatusSuccess,
	"capture":    payment.StatusSuccess,
	"completed":  payment.StatusSuccess,
	"deny":       payment.StatusFailed,
	"error":      payment.StatusFailed,
	"failed":     payment.StatusFailed,
	"cancel":     payment.StatusCancelled,
	"cancelled":  payment.StatusCancelled,
	"expire":     payment.StatusExpired,
	"expired":    payment.StatusExpired,
}

// MapStatus translates a provider status. Anything unrecognised stays PENDING
// so that an unknown value never finalises a payment.
func MapStatus(native string) payment.Status {
	if s, ok := nativeStatus[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return payment.StatusPending
}
