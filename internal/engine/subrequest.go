package engine

import (
	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Status is the processing state of a sub-request. Complete is reset when
// the request enters a new phase; ErrorStatus and Processed are kept.
type Status struct {
	ErrorStatus types.ErrorStatus
	Complete    bool
	// Processed is set once the sub-request committed successfully.
	Processed bool
}

// SubRequest is the engine's mo.SubRequest.
type SubRequest struct {
	req       *Request
	index     int
	vb        types.VarBind
	requested oid.OID
	scope     oid.Scope
	status    Status
	undo      any
	handler   mo.Handler
}

var _ mo.SubRequest = (*SubRequest)(nil)

func (s *SubRequest) Request() mo.RequestInfo { return s.req.info }
func (s *SubRequest) Index() int { return s.index }
func (s *SubRequest) VarBind() *types.VarBind { return &s.vb }
func (s *SubRequest) Scope() oid.Scope { return s.scope }
func (s *SubRequest) Phase() mo.Phase { return s.req.phase }
func (s *SubRequest) IsComplete() bool { return s.status.Complete }
func (s *SubRequest) UndoValue() any { return s.undo }
func (s *SubRequest) SetUndoValue(v any) { s.undo = v }
func (s *SubRequest) Status() Status { return s.status }
func (s *SubRequest) Handler() mo.Handler { return s.handler }
func (s *SubRequest) Requested() oid.OID { return s.requested }

func (s *SubRequest) ErrorStatus() types.ErrorStatus {
	return s.status.ErrorStatus
}

// SetErrorStatus records status, completes the sub-request for the current
// phase and reports the error to the owning request.
func (s *SubRequest) SetErrorStatus(status types.ErrorStatus) {
	s.status.ErrorStatus = status
	s.status.Complete = true
	s.req.subError(s, status)
}

func (s *SubRequest) Complete() {
	s.status.Complete = true
}
