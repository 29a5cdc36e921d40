package cluster

import (
	"errors"
	"fmt"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/entity"
)

var (
	// ErrTimeout means the reply did not arrive within the ask timeout. The command may or
	// may not have been applied.
	ErrTimeout = errors.New("cart command timed out")
	// ErrUnavailable is the same sentinel the entity runtime uses for transient failures.
	ErrUnavailable = entity.ErrUnavailable
)

const (
	CodeUnavailable = "UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeHalted      = "HALTED"
	CodeInternal    = "INTERNAL_ERROR"
)

// IsRetryable reports whether a caller may resubmit after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Code maps err to its wire code.
func Code(err error) string {
	if code := domain.Code(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, entity.ErrHalted):
		return CodeHalted
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds an error received from another node so errors.Is keeps working.
func ErrorFromCode(code string, msg string) error {
	if err := domain.ErrorForCode(code, msg); err != nil {
		return err
	}
	switch code {
	case CodeTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	case CodeHalted:
		return fmt.Errorf("%w: %s", entity.ErrHalted, msg)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("remote error %s: %s", code, msg)
	}
}

// CommandRequest is the wire form of a command.
type CommandRequest struct {
	Type     string `json:"type"`
	ItemID   string `json:"item_id,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
}

func EncodeCommand(cmd domain.Command) CommandRequest {
	req := CommandRequest{Type: cmd.Name()}
	if add, ok := cmd.(domain.AddItem); ok {
		req.ItemID = add.ItemID
		req.Quantity = add.Quantity
	}
	return req
}

func (c CommandRequest) Command() (domain.Command, error) {
	switch c.Type {
	case domain.AddItem{}.Name():
		return domain.AddItem{ItemID: c.ItemID, Quantity: c.Quantity}, nil
	case domain.Checkout{}.Name():
		return domain.Checkout{}, nil
	case domain.Get{}.Name():
		return domain.Get{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
}
