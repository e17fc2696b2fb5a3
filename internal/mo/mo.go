// Package mo defines the contract between the request engine and managed
// object handlers, plus the scalar and static-group handler variants.
package mo

import (
	"fmt"
	"time"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Phase is the processing phase of a request.
type Phase int

// Request phases. Read operations pass through Init, Prepare and Cleanup only;
// SET operations go through the full commit cycle.
const (
	PhaseInit Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseUndo
	PhaseCleanup
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseUndo:
		return "undo"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// RequestInfo describes the request a sub-request belongs to.
type RequestInfo struct {
	ID      string
	Version types.Version
	PDUType types.PDUType
	Context []byte

	// LockTimeout bounds how long PREPARE waits for a handler locked by
	// another request.
	LockTimeout time.Duration
}

// SubRequest is the unit of work handed to a handler for one variable binding.
type SubRequest interface {
	Request() RequestInfo
	// Index is the zero-based position of the sub-request in its request.
	Index() int
	// VarBind is the binding being read or written; read handlers fill it in.
	VarBind() *types.VarBind
	// Scope is the exact point for GET and SET, and the open interval after
	// the requested identifier for GETNEXT and GETBULK.
	Scope() oid.Scope
	Phase() Phase

	ErrorStatus() types.ErrorStatus
	// SetErrorStatus records an error and marks the sub-request complete.
	SetErrorStatus(status types.ErrorStatus)
	// Complete marks the current phase done for this sub-request.
	Complete()
	IsComplete() bool

	UndoValue() any
	SetUndoValue(v any)
}

// Handler is implemented by every managed object kind registered in the
// directory. Each call may set an error status on the sub-request and/or mark
// it complete. A handler that leaves a sub-request incomplete is called again
// on the engine's next pass over the phase.
type Handler interface {
	// Scope is the registration scope of the handler.
	Scope() oid.Scope
	// Find returns the first instance the handler holds inside scope.
	Find(scope oid.Scope) (oid.OID, bool)
	Get(sub SubRequest)
	// Next fills the sub-request with the first instance inside its scope and
	// reports whether there was one.
	Next(sub SubRequest) bool
	Prepare(sub SubRequest)
	Commit(sub SubRequest)
	Undo(sub SubRequest)
	Cleanup(sub SubRequest)
}

// RowSnapshot is the serializable state of one conceptual row or scalar.
type RowSnapshot struct {
	Index  oid.OID          `json:"index"`
	Values []types.Variable `json:"values"`
}

// Serializable is implemented by handlers whose state is persisted.
type Serializable interface {
	Snapshot() ([]RowSnapshot, error)
	Restore(rows []RowSnapshot) error
}
