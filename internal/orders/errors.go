package orders

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnitNotFound        = errors.New("sellable unit not found")
	ErrConflict            = errors.New("conflict, retry later")
	ErrPersistence         = errors.New("persistence failure")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation already closed")
)

// ValidationError collects field -> message pairs. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientStockError matches ErrInsufficientStock. Line is the index of the request item, -1 when unknown.
type InsufficientStockError struct {
	UnitID    string
	Line      int
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("insufficient stock for line %d (unit %s): requested %d, available %d",
			e.Line, e.UnitID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for unit %s: requested %d, available %d",
		e.UnitID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }
