// Package engine turns decoded protocol operations into responses: it builds
// the sub-requests of a request, resolves them against the object directory,
// drives the phase state machine and assembles the size-bounded response.
package engine

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Request is one operation in progress. It is owned by the goroutine
// processing it and is not safe for concurrent use.
type Request struct {
	op       *types.Operation
	info     mo.RequestInfo
	phase    mo.Phase
	finished bool

	subs        []*SubRequest
	errorStatus types.ErrorStatus
	errorIndex  int
	// committed lists sub-requests in the order their commit succeeded.
	committed []*SubRequest

	nonRepeaters   int
	repeaters      int
	maxRepetitions int
	rows           int

	// size is the encoded size of the first sized sub-requests.
	size  int
	sized int
}

// NewRequest builds the request for op. maxRepetitions caps the GETBULK
// max-repetitions field when positive.
func NewRequest(id string, op *types.Operation, maxRepetitions int) (*Request, error) {
	switch op.PDUType {
	case types.PDUTypeGetRequest, types.PDUTypeGetNextRequest, types.PDUTypeSetRequest:
	case types.PDUTypeGetBulkRequest:
		if op.Version == types.VersionSNMPv1 {
			return nil, fmt.Errorf("%w: %s in %s", types.ErrInvalidOperation, op.PDUType, op.Version)
		}
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidOperation, op.PDUType)
	}

	r := &Request{
		op: op,
		info: mo.RequestInfo{
			ID:      id,
			Version: op.Version,
			PDUType: op.PDUType,
			Context: op.Context,
		},
		phase: mo.PhaseInit,
	}

	if op.PDUType == types.PDUTypeGetBulkRequest {
		r.nonRepeaters = clamp(op.NonRepeaters, 0, len(op.VarBinds))
		r.repeaters = len(op.VarBinds) - r.nonRepeaters
		r.maxRepetitions = max(op.MaxRepetitions, 0)
		if maxRepetitions > 0 {
			r.maxRepetitions = min(r.maxRepetitions, maxRepetitions)
		}
		r.buildBulk()
		return r, nil
	}

	r.subs = make([]*SubRequest, len(op.VarBinds))
	for i, vb := range op.VarBinds {
		r.subs[i] = r.newSubRequest(i, vb)
	}
	return r, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func (r *Request) newSubRequest(index int, vb types.VarBind) *SubRequest {
	s := &SubRequest{
		req:       r,
		index:     index,
		requested: vb.OID.Clone(),
		vb:        types.VarBind{OID: vb.OID.Clone(), Variable: vb.Variable},
	}
	if r.op.PDUType.IsRead() && r.op.PDUType != types.PDUTypeGetRequest {
		s.scope = oid.After(vb.OID)
		s.vb.Variable = types.Null
	} else {
		s.scope = oid.Point(vb.OID)
	}
	return s
}

// buildBulk creates the non-repeaters and the first repetition row.
func (r *Request) buildBulk() {
	vbs := r.op.VarBinds
	r.subs = make([]*SubRequest, 0, r.nonRepeaters+r.repeaters)
	for i := 0; i < r.nonRepeaters; i++ {
		r.subs = append(r.subs, r.newSubRequest(i, vbs[i]))
	}
	if r.repeaters == 0 || r.maxRepetitions == 0 {
		return
	}
	for i := r.nonRepeaters; i < len(vbs); i++ {
		r.subs = append(r.subs, r.newSubRequest(i, vbs[i]))
	}
	r.rows = 1
}

// lastRow returns the sub-requests of the most recent repetition row.
func (r *Request) lastRow() []*SubRequest {
	if r.rows == 0 {
		return nil
	}
	return r.subs[len(r.subs)-r.repeaters:]
}

// addRow appends the next repetition row, each element continuing after its
// counterpart in the previous row. Elements whose counterpart already hit the
// end of the view are complete immediately. It returns nil once
// max-repetitions rows exist.
func (r *Request) addRow() []*SubRequest {
	if r.rows == 0 || r.rows >= r.maxRepetitions {
		return nil
	}
	prev := r.lastRow()
	start := len(r.subs)
	for j, p := range prev {
		s := &SubRequest{
			req:       r,
			index:     start + j,
			requested: p.vb.OID.Clone(),
			vb:        types.VarBind{OID: p.vb.OID.Clone(), Variable: types.Null},
			scope:     oid.After(p.vb.OID),
		}
		if p.vb.Variable.Syntax == types.SyntaxEndOfMibView {
			s.vb.Variable = types.EndOfMibView
			s.status.Complete = true
		}
		r.subs = append(r.subs, s)
	}
	r.rows++
	return r.subs[start:]
}

// truncate drops every sub-request from position n on.
func (r *Request) truncate(n int) {
	if n >= len(r.subs) {
		return
	}
	r.subs = r.subs[:n]
	if r.rows > 0 {
		r.rows = max(0, (n-r.nonRepeaters+r.repeaters-1)/r.repeaters)
	}
	if r.sized > n {
		r.sized = n
	}
}

// requestPosition maps a sub-request index to the 0-based position of the
// variable binding it originates from in the request.
func (r *Request) requestPosition(index int) int {
	if r.op.PDUType != types.PDUTypeGetBulkRequest || index < r.nonRepeaters || r.repeaters == 0 {
		return index
	}
	return r.nonRepeaters + (index-r.nonRepeaters)%r.repeaters
}

// subError records status reported by a sub-request. The first error of the
// request wins, except that a failed undo always surfaces as undoFailed.
// Errors reported while cleaning up are not propagated.
func (r *Request) subError(s *SubRequest, status types.ErrorStatus) {
	if !status.IsError() {
		return
	}
	switch r.phase {
	case mo.PhaseCleanup:
		return
	case mo.PhaseUndo:
		r.errorStatus = types.ErrorStatusUndoFailed
		r.errorIndex = 0
		return
	}
	if r.errorStatus.IsError() {
		return
	}
	r.errorStatus = status
	r.errorIndex = r.requestPosition(s.index) + 1
}

// ID returns the request identifier handed to handlers.
func (r *Request) ID() string { return r.info.ID }

// Operation returns the operation the request was built from.
func (r *Request) Operation() *types.Operation { return r.op }

// Phase returns the current phase.
func (r *Request) Phase() mo.Phase { return r.phase }

// SubRequests returns the current sub-requests in response order.
func (r *Request) SubRequests() []*SubRequest { return r.subs }

// ErrorStatus returns the aggregate error status.
func (r *Request) ErrorStatus() types.ErrorStatus { return r.errorStatus }

// ErrorIndex returns the 1-based position of the variable binding in error,
// 0 when none or when the error is not attributable to one binding.
func (r *Request) ErrorIndex() int { return r.errorIndex }

// IsPhaseComplete reports whether the current phase is done. Reads, PREPARE
// and COMMIT end early on the first error; UNDO and CLEANUP always run to
// completion over their sub-requests.
func (r *Request) IsPhaseComplete() bool {
	if r.errorStatus.IsError() && r.phase != mo.PhaseUndo && r.phase != mo.PhaseCleanup {
		return true
	}
	for _, s := range r.phaseSubRequests() {
		if !s.status.Complete {
			return false
		}
	}
	return true
}

// phaseSubRequests returns the sub-requests taking part in the current phase,
// in the order they are processed.
func (r *Request) phaseSubRequests() []*SubRequest {
	switch r.phase {
	case mo.PhaseUndo:
		out := make([]*SubRequest, len(r.committed))
		for i, s := range r.committed {
			out[len(out)-1-i] = s
		}
		return out
	case mo.PhaseCleanup:
		var out []*SubRequest
		for _, s := range r.subs {
			if s.handler != nil {
				out = append(out, s)
			}
		}
		return out
	}
	return r.subs
}

// NextPhase moves the request to its next phase according to the aggregate
// error status. Read operations go from PREPARE straight to CLEANUP; SET
// commits only after a clean PREPARE and undoes only after a failed COMMIT.
// Calling it once CLEANUP has been left fails with ErrNoNextPhase.
func (r *Request) NextPhase() error {
	var next mo.Phase
	switch r.phase {
	case mo.PhaseInit:
		next = mo.PhasePrepare
	case mo.PhasePrepare:
		next = mo.PhaseCleanup
		if r.op.PDUType == types.PDUTypeSetRequest && !r.errorStatus.IsError() {
			next = mo.PhaseCommit
		}
	case mo.PhaseCommit:
		next = mo.PhaseCleanup
		if r.errorStatus.IsError() {
			next = mo.PhaseUndo
		}
	case mo.PhaseUndo:
		next = mo.PhaseCleanup
	case mo.PhaseCleanup:
		if r.finished {
			return types.ErrNoNextPhase
		}
		r.finished = true
		return nil
	default:
		return fmt.Errorf("request %s in unknown phase %s", r.info.ID, r.phase)
	}

	r.phase = next
	for _, s := range r.subs {
		s.status.Complete = false
	}
	return nil
}

// Finished reports whether CLEANUP has been left.
func (r *Request) Finished() bool { return r.finished }
