package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateOrder indicates a caller bug rather than an external-system
// fault, so it is raised instead of being converted into order state.
var ErrDuplicateOrder = errors.New("client order id already tracked")

// DuplicateOrderError reports an attempt to track an id that is still live.
type DuplicateOrderError struct {
	ClientOrderID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order %s: %v", e.ClientOrderID, ErrDuplicateOrder)
}

func (e *DuplicateOrderError) Unwrap() error { return ErrDuplicateOrder }
