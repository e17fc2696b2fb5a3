package table

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/mo/motest"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/rowstatus"
	"github.com/geekxflood/proteus/internal/types"
)

var entry = oid.MustParse("1.3.6.1.4.1.99999.1.1")

func newTestTable(t *testing.T, limit rowstatus.SizeLimit) *Table {
	t.Helper()
	tbl, err := New(Config{
		Name:  "testTable",
		Entry: entry,
		Columns: []Column{
			{ID: 3, Name: "status", Syntax: types.SyntaxInteger, Access: mo.AccessReadCreate, RowStatus: true},
			{ID: 1, Name: "index", Syntax: types.SyntaxInteger, Access: mo.AccessNotAccessible},
			{ID: 2, Name: "descr", Syntax: types.SyntaxOctetString, Access: mo.AccessReadCreate, Required: true},
		},
		Limit: limit,
	})
	require.NoError(t, err)
	return tbl
}

func instance(col uint32, index uint32) oid.OID {
	return entry.Append(col, index)
}

// runSet drives the handler through the phases the engine would, returning
// the first error status.
func runSet(tbl *Table, requestID string, vbs ...types.VarBind) types.ErrorStatus {
	subs := make([]*motest.SubRequest, len(vbs))
	for i, vb := range vbs {
		subs[i] = motest.New(requestID, mo.PhasePrepare, vb.OID, vb.Variable)
		subs[i].Idx = i
	}

	failed := func() types.ErrorStatus {
		for _, s := range subs {
			if s.Status.IsError() {
				return s.Status
			}
		}
		return types.ErrorStatusNoError
	}

	for pass := 0; pass < 3; pass++ {
		for _, s := range subs {
			if !s.Done {
				tbl.Prepare(s)
			}
		}
	}
	status := failed()
	if !status.IsError() {
		for _, s := range subs {
			tbl.Commit(s.InPhase(mo.PhaseCommit))
		}
	}
	for _, s := range subs {
		tbl.Cleanup(s.InPhase(mo.PhaseCleanup))
	}
	return status
}

func createRow(tbl *Table, index uint32, requested rowstatus.RowStatus) types.ErrorStatus {
	return runSet(tbl, fmt.Sprintf("create-%d", index),
		types.VarBind{OID: instance(2, index), Variable: types.OctetString(fmt.Sprintf("row %d", index))},
		types.VarBind{OID: instance(3, index), Variable: requested.Variable()},
	)
}

func TestPrepareLockedByAnotherRequest(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))

	holder := motest.New("holder", mo.PhasePrepare, instance(2, 1), types.OctetString("held"))
	tbl.Prepare(holder)
	require.False(t, holder.Status.IsError())

	waiter := motest.New("waiter", mo.PhasePrepare, instance(2, 1), types.OctetString("late"))
	waiter.Info.LockTimeout = 10 * time.Millisecond
	tbl.Prepare(waiter)
	assert.Equal(t, types.ErrorStatusResourceUnavailable, waiter.Status)
	tbl.Cleanup(waiter.InPhase(mo.PhaseCleanup))

	tbl.Cleanup(holder.InPhase(mo.PhaseCleanup))
	assert.Equal(t, types.ErrorStatusNoError, runSet(tbl, "after",
		types.VarBind{OID: instance(2, 1), Variable: types.OctetString("free")}))

	values, _, ok := tbl.Row(oid.OID{1})
	require.True(t, ok)
	assert.Equal(t, "free", values[1].String())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Name: "empty", Entry: entry})
	assert.Error(t, err)

	_, err = New(Config{Name: "dup", Entry: entry, Columns: []Column{{ID: 1, Syntax: types.SyntaxInteger}, {ID: 1, Syntax: types.SyntaxInteger}}})
	assert.Error(t, err)

	_, err = New(Config{Name: "status", Entry: entry, Columns: []Column{{ID: 1, Syntax: types.SyntaxOctetString, RowStatus: true}}})
	assert.Error(t, err)
}

func TestCreateAndGo(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	var events []rowstatus.EventType
	tbl.Controller().AddListener(rowstatus.RowChangeFunc(func(e rowstatus.RowChangeEvent) {
		events = append(events, e.Type)
	}))

	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))

	values, status, ok := tbl.Row(oid.OID{1})
	require.True(t, ok)
	assert.Equal(t, rowstatus.Active, status)
	assert.Equal(t, "row 1", values[1].String())
	assert.Equal(t, "1", values[2].String())
	assert.Equal(t, []rowstatus.EventType{rowstatus.EventCreated, rowstatus.EventActivated}, events)
}

func TestStatusBeforeColumnsInRequest(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	status := runSet(tbl, "r",
		types.VarBind{OID: instance(3, 5), Variable: rowstatus.CreateAndGo.Variable()},
		types.VarBind{OID: instance(2, 5), Variable: types.OctetString("late")},
	)
	require.Equal(t, types.ErrorStatusNoError, status)
	_, rs, ok := tbl.Row(oid.OID{5})
	require.True(t, ok)
	assert.Equal(t, rowstatus.Active, rs)
}

func TestCreateAndWaitIncompleteRow(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	status := runSet(tbl, "r", types.VarBind{OID: instance(3, 1), Variable: rowstatus.CreateAndWait.Variable()})
	require.Equal(t, types.ErrorStatusNoError, status)

	_, rs, ok := tbl.Row(oid.OID{1})
	require.True(t, ok)
	assert.Equal(t, rowstatus.NotReady, rs)

	status = runSet(tbl, "r2", types.VarBind{OID: instance(3, 1), Variable: rowstatus.Active.Variable()})
	assert.Equal(t, types.ErrorStatusInconsistentValue, status, "required column still missing")

	status = runSet(tbl, "r3",
		types.VarBind{OID: instance(2, 1), Variable: types.OctetString("now set")},
		types.VarBind{OID: instance(3, 1), Variable: rowstatus.Active.Variable()},
	)
	require.Equal(t, types.ErrorStatusNoError, status)
	_, rs, _ = tbl.Row(oid.OID{1})
	assert.Equal(t, rowstatus.Active, rs)
}

func TestCreateWithoutStatusIsInconsistentName(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	status := runSet(tbl, "r", types.VarBind{OID: instance(2, 9), Variable: types.OctetString("x")})
	assert.Equal(t, types.ErrorStatusInconsistentName, status)
	assert.Equal(t, 0, tbl.Len())
}

func TestPrepareErrors(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))

	tests := []struct {
		name     string
		vb       types.VarBind
		expected types.ErrorStatus
	}{
		{"unknown column", types.VarBind{OID: instance(9, 1), Variable: types.Integer(1)}, types.ErrorStatusNoCreation},
		{"index column", types.VarBind{OID: instance(1, 1), Variable: types.Integer(1)}, types.ErrorStatusNotWritable},
		{"wrong type", types.VarBind{OID: instance(2, 1), Variable: types.Integer(1)}, types.ErrorStatusWrongType},
		{"notReady written", types.VarBind{OID: instance(3, 1), Variable: rowstatus.NotReady.Variable()}, types.ErrorStatusWrongValue},
		{"create existing", types.VarBind{OID: instance(3, 1), Variable: rowstatus.CreateAndGo.Variable()}, types.ErrorStatusInconsistentValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, runSet(tbl, tt.name, tt.vb))
		})
	}

	assert.Empty(t, tbl.pending, "request state must be dropped after cleanup")
	assert.Equal(t, "", tbl.lock.Owner())
}

func TestDestroy(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))

	require.Equal(t, types.ErrorStatusNoError, runSet(tbl, "d", types.VarBind{OID: instance(3, 1), Variable: rowstatus.Destroy.Variable()}))
	assert.Equal(t, 0, tbl.Len())

	require.Equal(t, types.ErrorStatusNoError, runSet(tbl, "d2", types.VarBind{OID: instance(3, 1), Variable: rowstatus.Destroy.Variable()}))
}

func TestRowLimitDeniesThirdRow(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{Max: 2})
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 2, rowstatus.CreateAndGo))

	assert.Equal(t, types.ErrorStatusResourceUnavailable, createRow(tbl, 3, rowstatus.CreateAndGo))
	assert.Equal(t, 2, tbl.Len())
	_, _, ok := tbl.Row(oid.OID{3})
	assert.False(t, ok)
}

func TestRowLimitEvictsOldest(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{Max: 2, Evict: true})
	var destroyed []string
	tbl.Controller().AddListener(rowstatus.RowChangeFunc(func(e rowstatus.RowChangeEvent) {
		if e.Type == rowstatus.EventDestroyed {
			destroyed = append(destroyed, e.Index.String())
		}
	}))

	// Row 7 is created first so insertion order differs from index order.
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 7, rowstatus.CreateAndGo))
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 2, rowstatus.CreateAndGo))
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 3, rowstatus.CreateAndGo))

	assert.Equal(t, 2, tbl.Len())
	_, _, ok := tbl.Row(oid.OID{7})
	assert.False(t, ok, "oldest row evicted")
	_, _, ok = tbl.Row(oid.OID{2})
	assert.True(t, ok)
	assert.Equal(t, []string{"7"}, destroyed)
}

func TestUndoRestoresRowsAndEvictions(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{Max: 1, Evict: true})
	require.Equal(t, types.ErrorStatusNoError, createRow(tbl, 1, rowstatus.CreateAndGo))

	events := 0
	tbl.Controller().AddListener(rowstatus.RowChangeFunc(func(rowstatus.RowChangeEvent) { events++ }))

	subs := []*motest.SubRequest{
		motest.New("u", mo.PhasePrepare, instance(2, 2), types.OctetString("two")),
		motest.New("u", mo.PhasePrepare, instance(3, 2), rowstatus.CreateAndGo.Variable()),
	}
	subs[1].Idx = 1
	for pass := 0; pass < 2; pass++ {
		for _, s := range subs {
			if !s.Done {
				tbl.Prepare(s)
			}
		}
	}
	for _, s := range subs {
		require.False(t, s.Status.IsError())
		tbl.Commit(s.InPhase(mo.PhaseCommit))
	}
	_, _, ok := tbl.Row(oid.OID{1})
	require.False(t, ok, "row 1 evicted during commit")

	for _, s := range subs {
		tbl.Undo(s.InPhase(mo.PhaseUndo))
	}
	for _, s := range subs {
		tbl.Cleanup(s.InPhase(mo.PhaseCleanup))
	}

	values, rs, ok := tbl.Row(oid.OID{1})
	require.True(t, ok)
	assert.Equal(t, rowstatus.Active, rs)
	assert.Equal(t, "row 1", values[1].String())
	_, _, ok = tbl.Row(oid.OID{2})
	assert.False(t, ok)
	assert.Equal(t, 0, events, "undone changes are not announced")
}

func TestGetAndNext(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	require.NoError(t, tbl.AddRow(oid.OID{2}, []types.Variable{types.Integer(2), types.OctetString("b")}))
	require.NoError(t, tbl.AddRow(oid.OID{1}, []types.Variable{types.Integer(1), types.OctetString("a")}))
	assert.Error(t, tbl.AddRow(oid.OID{1}, nil))

	sub := motest.New("g", mo.PhasePrepare, instance(2, 1), types.Null)
	tbl.Get(sub)
	assert.Equal(t, "a", sub.VB.Variable.String())

	sub = motest.New("g", mo.PhasePrepare, instance(2, 9), types.Null)
	tbl.Get(sub)
	assert.Equal(t, types.SyntaxNoSuchInstance, sub.VB.Variable.Syntax)

	sub = motest.New("g", mo.PhasePrepare, instance(1, 1), types.Null)
	tbl.Get(sub)
	assert.Equal(t, types.SyntaxNoSuchObject, sub.VB.Variable.Syntax, "index column is not accessible")

	var walk []string
	cursor := entry
	for {
		sub := motest.NewNext(cursor)
		if !tbl.Next(sub) {
			break
		}
		walk = append(walk, sub.VB.OID.Suffix(len(entry)).String()+"="+sub.VB.Variable.String())
		cursor = sub.VB.OID
	}
	assert.Equal(t, []string{"2.1=a", "2.2=b", "3.1=1", "3.2=1"}, walk)

	o, ok := tbl.Find(oid.NewScope(instance(2, 2), false, instance(3, 1), false))
	assert.False(t, ok, "scope ends before the next instance: %s", o)
}

func TestSnapshotRestore(t *testing.T) {
	tbl := newTestTable(t, rowstatus.SizeLimit{})
	require.NoError(t, tbl.AddRow(oid.OID{9}, []types.Variable{types.Integer(9), types.OctetString("first")}))
	require.NoError(t, tbl.AddRow(oid.OID{1}, []types.Variable{types.Integer(1), types.OctetString("second")}))

	rows, err := tbl.Snapshot()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "9", rows[0].Index.String(), "snapshot keeps insertion order")

	other := newTestTable(t, rowstatus.SizeLimit{Max: 2, Evict: true})
	require.NoError(t, other.Restore(rows))
	assert.Equal(t, 2, other.Len())

	require.Equal(t, types.ErrorStatusNoError, createRow(other, 5, rowstatus.CreateAndGo))
	_, _, ok := other.Row(oid.OID{9})
	assert.False(t, ok, "restored insertion order drives eviction")

	bad := []mo.RowSnapshot{{Index: oid.OID{1}, Values: []types.Variable{types.Integer(1)}}}
	assert.Error(t, other.Restore(bad))
}
