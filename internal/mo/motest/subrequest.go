// Package motest provides a standalone sub-request for exercising handlers
// without the request engine.
package motest

import (
	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// SubRequest is an in-memory mo.SubRequest.
type SubRequest struct {
	Info        mo.RequestInfo
	Idx         int
	VB          types.VarBind
	Scp         oid.Scope
	Ph          mo.Phase
	Status      types.ErrorStatus
	Done        bool
	Undo        any
	Completions int
}

// New returns a sub-request for the identifier in the given phase. The scope
// is the exact point; use NewNext for traversal.
func New(requestID string, phase mo.Phase, o oid.OID, v types.Variable) *SubRequest {
	return &SubRequest{
		Info: mo.RequestInfo{ID: requestID, Version: types.VersionSNMPv2c, PDUType: types.PDUTypeSetRequest},
		VB:   types.VarBind{OID: o.Clone(), Variable: v},
		Scp:  oid.Point(o),
		Ph:   phase,
	}
}

// NewNext returns a GETNEXT-style sub-request scoped after o.
func NewNext(o oid.OID) *SubRequest {
	return &SubRequest{
		Info: mo.RequestInfo{ID: "next", Version: types.VersionSNMPv2c, PDUType: types.PDUTypeGetNextRequest},
		VB:   types.VarBind{OID: o.Clone(), Variable: types.Null},
		Scp:  oid.After(o),
		Ph:   mo.PhasePrepare,
	}
}

// InPhase resets completion and moves the sub-request to phase, keeping its
// error status and undo value.
func (s *SubRequest) InPhase(phase mo.Phase) *SubRequest {
	s.Ph = phase
	s.Done = false
	return s
}

func (s *SubRequest) Request() mo.RequestInfo { return s.Info }
func (s *SubRequest) Index() int { return s.Idx }
func (s *SubRequest) VarBind() *types.VarBind { return &s.VB }
func (s *SubRequest) Scope() oid.Scope { return s.Scp }
func (s *SubRequest) Phase() mo.Phase { return s.Ph }
func (s *SubRequest) ErrorStatus() types.ErrorStatus { return s.Status }
func (s *SubRequest) IsComplete() bool { return s.Done }
func (s *SubRequest) UndoValue() any { return s.Undo }
func (s *SubRequest) SetUndoValue(v any) { s.Undo = v }

func (s *SubRequest) SetErrorStatus(status types.ErrorStatus) {
	s.Status = status
	s.Done = true
}

func (s *SubRequest) Complete() {
	s.Done = true
	s.Completions++
}
