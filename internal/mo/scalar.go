package mo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Access is the maximum access level of an object.
type Access int

// Access levels.
const (
	AccessNotAccessible Access = iota
	AccessReadOnly
	AccessReadWrite
	AccessReadCreate
)

// String returns the SMI name of the access level.
func (a Access) String() string {
	switch a {
	case AccessNotAccessible:
		return "not-accessible"
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	case AccessReadCreate:
		return "read-create"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseAccess resolves an access level from its SMI name.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(s) {
	case "not-accessible":
		return AccessNotAccessible, nil
	case "read-only", "":
		return AccessReadOnly, nil
	case "read-write":
		return AccessReadWrite, nil
	case "read-create":
		return AccessReadCreate, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

// Writable reports whether SET is allowed at this access level.
func (a Access) Writable() bool {
	return a == AccessReadWrite || a == AccessReadCreate
}

// ValueValidator checks a value about to be written. It returns noError to
// accept it.
type ValueValidator func(v types.Variable) types.ErrorStatus

// Scalar is a single-instance object registered on the subtree of its
// identifier; its only instance is <oid>.0.
type Scalar struct {
	base     oid.OID
	instance oid.OID
	syntax   types.Syntax
	access   Access
	validate ValueValidator

	mu    sync.RWMutex
	value types.Variable

	lock RequestLock
}

// NewScalar creates a scalar with an initial value.
func NewScalar(base oid.OID, access Access, value types.Variable) *Scalar {
	return &Scalar{
		base:     base.Clone(),
		instance: base.Append(0),
		syntax:   value.Syntax,
		access:   access,
		value:    value,
	}
}

// WithValidator sets the validator run in PREPARE and returns the scalar.
func (s *Scalar) WithValidator(v ValueValidator) *Scalar {
	s.validate = v
	return s
}

// OID returns the instance identifier of the scalar.
func (s *Scalar) OID() oid.OID {
	return s.instance.Clone()
}

// Value returns the current value.
func (s *Scalar) Value() types.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// SetValue replaces the value outside of any request.
func (s *Scalar) SetValue(v types.Variable) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func (s *Scalar) Scope() oid.Scope {
	return oid.Subtree(s.base)
}

func (s *Scalar) Find(scope oid.Scope) (oid.OID, bool) {
	if s.access == AccessNotAccessible || !scope.Covers(s.instance) {
		return nil, false
	}
	return s.instance.Clone(), true
}

func (s *Scalar) Get(sub SubRequest) {
	vb := sub.VarBind()
	if s.access == AccessNotAccessible {
		vb.Variable = types.NoSuchObject
	} else if !vb.OID.Equal(s.instance) {
		vb.Variable = types.NoSuchInstance
	} else {
		vb.Variable = s.Value()
	}
	sub.Complete()
}

func (s *Scalar) Next(sub SubRequest) bool {
	if _, ok := s.Find(sub.Scope()); !ok {
		return false
	}
	vb := sub.VarBind()
	vb.OID = s.instance.Clone()
	vb.Variable = s.Value()
	sub.Complete()
	return true
}

func (s *Scalar) Prepare(sub SubRequest) {
	vb := sub.VarBind()
	switch {
	case !s.access.Writable():
		sub.SetErrorStatus(types.ErrorStatusNotWritable)
		return
	case !vb.OID.Equal(s.instance):
		sub.SetErrorStatus(types.ErrorStatusNoCreation)
		return
	case vb.Variable.Syntax != s.syntax:
		sub.SetErrorStatus(types.ErrorStatusWrongType)
		return
	}
	if s.validate != nil {
		if status := s.validate(vb.Variable); status.IsError() {
			sub.SetErrorStatus(status)
			return
		}
	}

	info := sub.Request()
	if !s.lock.TryAcquire(info.ID, info.LockTimeout) {
		sub.SetErrorStatus(types.ErrorStatusResourceUnavailable)
		return
	}
	sub.Complete()
}

func (s *Scalar) Commit(sub SubRequest) {
	s.mu.Lock()
	sub.SetUndoValue(s.value)
	s.value = sub.VarBind().Variable
	s.mu.Unlock()
	sub.Complete()
}

func (s *Scalar) Undo(sub SubRequest) {
	if prev, ok := sub.UndoValue().(types.Variable); ok {
		s.SetValue(prev)
	}
	sub.Complete()
}

func (s *Scalar) Cleanup(sub SubRequest) {
	s.lock.Release(sub.Request().ID)
	sub.Complete()
}

// Snapshot returns the scalar value as a single row indexed by 0.
func (s *Scalar) Snapshot() ([]RowSnapshot, error) {
	if !s.access.Writable() {
		return nil, nil
	}
	return []RowSnapshot{{Index: oid.OID{0}, Values: []types.Variable{s.Value()}}}, nil
}

// Restore loads a value written by Snapshot.
func (s *Scalar) Restore(rows []RowSnapshot) error {
	for _, row := range rows {
		if len(row.Values) != 1 {
			return fmt.Errorf("scalar %s: expected one value, got %d", s.base, len(row.Values))
		}
		if row.Values[0].Syntax != s.syntax {
			return fmt.Errorf("scalar %s: expected syntax %s, got %s", s.base, s.syntax, row.Values[0].Syntax)
		}
		s.SetValue(row.Values[0])
	}
	return nil
}
