package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyAdded    = errors.New("item already added")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrEmptyCart       = errors.New("empty cart")
	ErrCartClosed      = errors.New("cart closed")
	// ErrAlreadyCheckedOut is a CartClosed-class error.
	ErrAlreadyCheckedOut = fmt.Errorf("already checked out: %w", ErrCartClosed)
)

const (
	CodeAlreadyAdded      = "ALREADY_ADDED"
	CodeInvalidQuantity   = "INVALID_QUANTITY"
	CodeEmptyCart         = "EMPTY_CART"
	CodeAlreadyCheckedOut = "ALREADY_CHECKED_OUT"
	CodeCartClosed        = "CART_CLOSED"
)

// Rejection is a validation failure. It is terminal for the command and never persisted.
type Rejection struct {
	Kind    error
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func (r *Rejection) Unwrap() error { return r.Kind }

func reject(kind error, msg string) error {
	return &Rejection{Kind: kind, Message: msg}
}

func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

var codes = []struct {
	code string
	kind error
}{
	{CodeAlreadyAdded, ErrAlreadyAdded},
	{CodeInvalidQuantity, ErrInvalidQuantity},
	{CodeEmptyCart, ErrEmptyCart},
	{CodeAlreadyCheckedOut, ErrAlreadyCheckedOut},
	{CodeCartClosed, ErrCartClosed},
}

// Code returns the wire code of a validation error, or "" for anything else.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return ""
}

// ErrorForCode rebuilds a validation error received from another node. Unknown codes
// return nil.
func ErrorForCode(code string, msg string) error {
	for _, c := range codes {
		if c.code == code {
			if msg == "" {
				msg = c.kind.Error()
			}
			return reject(c.kind, msg)
		}
	}
	return nil
}
