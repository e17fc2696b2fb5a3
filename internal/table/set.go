package table

import (
	"sort"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/rowstatus"
	"github.com/geekxflood/proteus/internal/types"
)

// pending is the state of one SET request against the table, from its first
// prepared sub-request until its last cleanup.
type pending struct {
	rows map[string]*pendingRow
	// seen holds the sub-requests that took part, each cleaned up once.
	seen map[int]bool

	newRows  int
	evicting int

	undo      []rowstatus.UndoRecord
	changes   []change
	committed bool
	undone    bool
}

type pendingRow struct {
	index     oid.OID
	existed   bool
	oldStatus rowstatus.RowStatus
	values    []types.Variable

	statusSet bool
	requested rowstatus.RowStatus
	newStatus rowstatus.RowStatus
	admitted  bool
	evict     int
	applied   bool
}

type change struct {
	index    oid.OID
	from, to rowstatus.RowStatus
	values   []types.Variable
}

func (t *Table) Prepare(sub mo.SubRequest) {
	vb := sub.VarBind()
	pos, index, ok := t.split(vb.OID)
	if !ok {
		sub.SetErrorStatus(types.ErrorStatusNoCreation)
		return
	}
	col := t.columns[pos]
	switch {
	case !col.Access.Writable():
		sub.SetErrorStatus(types.ErrorStatusNotWritable)
		return
	case vb.Variable.Syntax != col.Syntax:
		sub.SetErrorStatus(types.ErrorStatusWrongType)
		return
	}
	if col.Validator != nil {
		if status := col.Validator(vb.Variable); status.IsError() {
			sub.SetErrorStatus(status)
			return
		}
	}

	info := sub.Request()
	id := info.ID
	if !t.lock.TryAcquire(id, info.LockTimeout) {
		sub.SetErrorStatus(types.ErrorStatusResourceUnavailable)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pending[id]
	if p == nil {
		p = &pending{rows: make(map[string]*pendingRow), seen: make(map[int]bool)}
		t.pending[id] = p
	}
	firstPass := !p.seen[sub.Index()]
	p.seen[sub.Index()] = true

	pr := p.row(t, index)
	if firstPass {
		if !pr.existed && col.Access != mo.AccessReadCreate {
			sub.SetErrorStatus(types.ErrorStatusNoCreation)
			return
		}
		pr.values[pos] = vb.Variable
		if col.RowStatus {
			rs, _ := rowstatus.FromVariable(vb.Variable)
			if pr.statusSet && pr.requested != rs {
				sub.SetErrorStatus(types.ErrorStatusInconsistentValue)
				return
			}
			pr.statusSet = true
			pr.requested = rs
		}
		if t.statusCol < 0 {
			if status := t.admit(p, pr, rowstatus.Active); status.IsError() {
				sub.SetErrorStatus(status)
				return
			}
			pr.newStatus = rowstatus.Active
			sub.Complete()
			return
		}
		if pr.existed && !col.RowStatus {
			sub.Complete()
		}
		// Status changes and writes to rows not yet there wait for the next
		// pass, when every column of the request has been recorded.
		return
	}

	if !col.RowStatus {
		if !pr.existed && !pr.statusSet {
			sub.SetErrorStatus(types.ErrorStatusInconsistentName)
			return
		}
		sub.Complete()
		return
	}

	next, status := t.ctl.Transition(pr.oldStatus, pr.requested, pr.index, pr.values)
	if status.IsError() {
		sub.SetErrorStatus(status)
		return
	}
	if status := t.admit(p, pr, next); status.IsError() {
		sub.SetErrorStatus(status)
		return
	}
	pr.newStatus = next
	if next.Exists() {
		pr.values[pos] = next.Variable()
	}
	sub.Complete()
}

// row returns the pending state of the row at index, creating it from the
// committed row or the column defaults. Callers hold mu.
func (p *pending) row(t *Table, index oid.OID) *pendingRow {
	key := index.String()
	if pr, ok := p.rows[key]; ok {
		return pr
	}
	pr := &pendingRow{index: index.Clone(), newStatus: rowstatus.NotExistent}
	if i, ok := t.search(index); ok {
		r := t.rows[i]
		pr.existed = true
		pr.oldStatus = r.status
		pr.newStatus = r.status
		pr.values = append([]types.Variable(nil), r.values...)
	} else {
		pr.values = t.defaults()
	}
	p.rows[key] = pr
	return pr
}

// admit applies the size limit to a row about to be created. Callers hold mu.
func (t *Table) admit(p *pending, pr *pendingRow, next rowstatus.RowStatus) types.ErrorStatus {
	if pr.existed || pr.admitted || !next.Exists() {
		return types.ErrorStatusNoError
	}
	evict, status := t.ctl.Limit().Admit(len(t.rows)+p.newRows-p.evicting, 1)
	if status.IsError() {
		return status
	}
	if evict > len(t.rows)-p.evicting-p.touchedExisting() {
		return types.ErrorStatusResourceUnavailable
	}
	pr.admitted = true
	pr.evict = evict
	p.newRows++
	p.evicting += evict
	return types.ErrorStatusNoError
}

func (p *pending) touchedExisting() int {
	n := 0
	for _, pr := range p.rows {
		if pr.existed {
			n++
		}
	}
	return n
}

func (t *Table) Commit(sub mo.SubRequest) {
	defer sub.Complete()

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pending[sub.Request().ID]
	if p == nil {
		return
	}
	_, index, ok := t.split(sub.VarBind().OID)
	if !ok {
		return
	}
	pr, ok := p.rows[index.String()]
	if !ok || pr.applied {
		return
	}
	pr.applied = true
	p.committed = true

	first := len(p.undo)
	t.evictOldest(p, pr.evict)

	switch {
	case pr.existed && !pr.newStatus.Exists():
		r := t.remove(pr.index)
		p.undo = append(p.undo, rowstatus.UndoRecord{Index: r.index, Existed: true, Status: r.status, Values: r.values, Order: r.order})
	case pr.existed:
		i, _ := t.search(pr.index)
		r := t.rows[i]
		p.undo = append(p.undo, rowstatus.UndoRecord{Index: r.index, Existed: true, Status: r.status, Values: r.values, Order: r.order})
		t.rows[i] = &row{index: r.index, values: pr.values, status: pr.newStatus, order: r.order}
	case pr.newStatus.Exists():
		t.insert(&row{index: pr.index, values: pr.values, status: pr.newStatus, order: t.takeOrder()})
		p.undo = append(p.undo, rowstatus.UndoRecord{Index: pr.index, Existed: false})
	default:
		return
	}
	sub.SetUndoValue(p.undo[first:])
	p.changes = append(p.changes, change{index: pr.index, from: pr.oldStatus, to: pr.newStatus, values: pr.values})
}

// evictOldest removes the n oldest rows not touched by the request. Callers
// hold mu.
func (t *Table) evictOldest(p *pending, n int) {
	if n <= 0 {
		return
	}
	candidates := make([]*row, 0, len(t.rows))
	for _, r := range t.rows {
		if _, touched := p.rows[r.index.String()]; !touched {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].order < candidates[j].order })
	for _, r := range candidates[:min(n, len(candidates))] {
		t.remove(r.index)
		p.undo = append(p.undo, rowstatus.UndoRecord{Index: r.index, Existed: true, Status: r.status, Values: r.values, Order: r.order})
		p.changes = append(p.changes, change{index: r.index, from: r.status, to: rowstatus.NotExistent, values: r.values})
	}
}

// Undo rolls back every row change the request committed. The first undo
// call of a request restores all of them.
func (t *Table) Undo(sub mo.SubRequest) {
	defer sub.Complete()

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pending[sub.Request().ID]
	if p == nil || p.undone || !p.committed {
		return
	}
	p.undone = true
	for i := len(p.undo) - 1; i >= 0; i-- {
		rec := p.undo[i]
		t.remove(rec.Index)
		if rec.Existed {
			t.insert(&row{index: rec.Index, values: rec.Values, status: rec.Status, order: rec.Order})
		}
	}
}

// Cleanup drops the request state once its last sub-request is cleaned up,
// releases the table and notifies row listeners of committed changes.
func (t *Table) Cleanup(sub mo.SubRequest) {
	defer sub.Complete()

	id := sub.Request().ID
	t.mu.Lock()
	p := t.pending[id]
	if p == nil || !p.seen[sub.Index()] {
		t.mu.Unlock()
		return
	}
	delete(p.seen, sub.Index())
	if len(p.seen) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.lock.Release(id)
	if !p.committed || p.undone {
		return
	}
	for _, c := range p.changes {
		t.ctl.Notify(c.index, c.from, c.to, c.values)
	}
}
