// Package payment is the boundary to the wallet backend that charges entry
// fees and pays out winnings.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	// KindTemporary failures are safe to retry with backoff.
	KindTemporary Kind = "temporary"
	// KindPermanent failures must not be retried.
	KindPermanent Kind = "permanent"
	// KindUnknown failures may or may not have been applied; retry cautiously.
	KindUnknown Kind = "unknown"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s failed (%s): %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("payment %s failed (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Temporary(op, msg string) *Error { return &Error{Kind: KindTemporary, Op: op, Message: msg} }
func Permanent(op, msg string) *Error { return &Error{Kind: KindPermanent, Op: op, Message: msg} }
func Unknown(op, msg string) *Error   { return &Error{Kind: KindUnknown, Op: op, Message: msg} }

// KindOf returns the failure kind of err. Errors that did not come from a
// provider are reported as unknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

type Request struct {
	PlayerID string
	Amount   decimal.Decimal
	Currency string
	// Reference makes the call idempotent on the provider side.
	Reference string
}

type Receipt struct {
	Reference string `json:"reference"`
	TxID      string `json:"tx_id"`
}

// Provider charges players and settles payouts. Implementations return
// *Error for every failure so callers can tell retryable outcomes apart.
type Provider interface {
	Charge(ctx context.Context, req Request) (Receipt, error)
	Settle(ctx context.Context, req Request) (Receipt, error)
}
