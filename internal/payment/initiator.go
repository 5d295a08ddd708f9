// Package payment talks to the external checkout provider.
//
// Only initiation is synchronous. The outcome arrives later as a status change
// on the session row, written by the provider's webhook path.
package payment

import (
	"context"
	"errors"
)

// Request describes one checkout to open.
// SessionRef doubles as the idempotency key so retried initiations never open two checkouts.
type Request struct {
	AmountMinor  int64  `json:"amount"`
	Currency     string `json:"currency"`
	PayerContact string `json:"payer_contact"`
	SessionRef   string `json:"session_ref"`
	Description  string `json:"description,omitempty"`
}

// Checkout is the provider's handle for an opened checkout.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Usable reports whether the checkout can be handed to the payer.
func (c Checkout) Usable() bool { return c.ID != "" && c.URL != "" }

// Initiator opens checkouts with the external provider.
type Initiator interface {
	Initiate(ctx context.Context, req Request) (Checkout, error)
}

var (
	ErrInvalidRequest = errors.New("payment: invalid request")
	ErrNoCheckout     = errors.New("payment: provider returned no usable checkout")
	ErrRejected       = errors.New("payment: provider rejected request")
)
