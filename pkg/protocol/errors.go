package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the orchestrator can surface.
// The set is closed; new kinds require a design change.
type ErrorKind string

const (
	ErrTransport          ErrorKind = "transport-error"
	ErrRateLimited        ErrorKind = "rate-limited"
	ErrTimeout            ErrorKind = "timeout"
	ErrValidationFailed   ErrorKind = "validation-failed"
	ErrToolNotFound       ErrorKind = "tool-not-found"
	ErrProvider           ErrorKind = "provider-error"
	ErrProviderTerminated ErrorKind = "provider-terminated"
	ErrPlanInvalid        ErrorKind = "plan-invalid"
	ErrDenied             ErrorKind = "denied"
	ErrCancelled          ErrorKind = "cancelled"
	ErrConfig             ErrorKind = "config-error"
	ErrInternal           ErrorKind = "internal"
)

// Error is the orchestrator error type. Kind is always set; ItemID and
// Stage are set when the failure is attributable to a TODO item.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	ItemID  string    `json:"item_id,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind and message.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithItem returns a copy of the error annotated with the item id and stage.
func (e *Error) WithItem(itemID, stage string) *Error {
	clone := *e
	clone.ItemID = itemID
	clone.Stage = stage
	return &clone
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Context cancellation and deadline errors map to their taxonomy kinds;
// anything unclassified is ErrInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
