package types

import (
	"errors"
	"fmt"

	"github.com/geekxflood/proteus/internal/oid"
)

// Sentinel errors shared across packages.
var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrNoNextPhase           = errors.New("no next phase")
	ErrInvalidOperation      = errors.New("invalid operation")
)

// RegistrationError reports a scope conflicting with an existing registration.
type RegistrationError struct {
	Context  string
	Scope    oid.Scope
	Existing oid.Scope
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("scope %s overlaps registered scope %s in context %q", e.Scope, e.Existing, e.Context)
}

// Unwrap lets errors.Is match ErrDuplicateRegistration.
func (e *RegistrationError) Unwrap() error {
	return ErrDuplicateRegistration
}

// Operation is an already decoded protocol operation handed to the engine.
type Operation struct {
	Version   Version
	PDUType   PDUType
	Context   []byte
	RequestID int32

	// GETBULK only.
	NonRepeaters   int
	MaxRepetitions int

	// MaxResponseSize bounds the encoded size of the response variable
	// bindings in bytes. Zero or negative means unbounded.
	MaxResponseSize int

	VarBinds []VarBind
}

// Response is the outcome of an operation, positionally aligned with the
// sub-requests that produced it.
type Response struct {
	RequestID   int32
	ErrorStatus ErrorStatus
	// ErrorIndex is the 1-based index of the first variable binding in error,
	// 0 if none.
	ErrorIndex int
	VarBinds   []VarBind
}
