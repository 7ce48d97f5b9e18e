// Package fault classifies domain errors so transports can map them to responses
// without knowing every package's sentinels.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	Authorization
	InsufficientBalance
	OutstandingDebt
	VehicleUnavailable
)

func (k Kind) String() string {
	return [...]string{
		"internal",
		"validation",
		"not_found",
		"conflict",
		"authorization",
		"insufficient_balance",
		"outstanding_debt",
		"vehicle_unavailable",
	}[k]
}

// Error is a classified error. Sentinels are declared as *Error values and compared with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Kind() Kind {
	return e.kind
}

// Validationf builds a one-off validation error.
func Validationf(format string, args ...any) error {
	return &Error{kind: Validation, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain, or Internal.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Internal
}
