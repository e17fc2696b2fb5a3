// Package table implements a conceptual table handler: rows keyed by index
// identifiers, typed columns and an optional RowStatus column driving the row
// lifecycle through a rowstatus.Controller.
package table

import (
	"fmt"
	"sort"
	"sync"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/rowstatus"
	"github.com/geekxflood/proteus/internal/types"
)

// Column describes one column of the table.
type Column struct {
	ID     uint32
	Name   string
	Syntax types.Syntax
	Access mo.Access
	// Default is the value of the column in a freshly created row. A zero
	// Variable leaves the column unset (null).
	Default types.Variable
	// Required columns must be set before the row can become active.
	Required  bool
	Validator mo.ValueValidator
	// RowStatus marks the status column. At most one column may carry it and
	// its syntax must be INTEGER.
	RowStatus bool
}

// Config describes a table.
type Config struct {
	Name    string
	Entry   oid.OID
	Columns []Column
	// Checker overrides the default consistency check, which requires every
	// Required column to be set.
	Checker rowstatus.ConsistencyChecker
	Limit   rowstatus.SizeLimit
}

type row struct {
	index  oid.OID
	values []types.Variable
	status rowstatus.RowStatus
	order  uint64
}

func (r *row) clone() *row {
	c := *r
	c.values = append([]types.Variable(nil), r.values...)
	return &c
}

// Table is a mo.Handler and mo.Serializable.
type Table struct {
	name      string
	entry     oid.OID
	columns   []Column
	colPos    map[uint32]int
	statusCol int
	ctl       *rowstatus.Controller

	mu        sync.RWMutex
	rows      []*row // ordered by index
	nextOrder uint64
	pending   map[string]*pending

	lock mo.RequestLock
}

// New validates cfg and creates an empty table.
func New(cfg Config) (*Table, error) {
	if len(cfg.Entry) == 0 {
		return nil, fmt.Errorf("table %s: entry identifier cannot be empty", cfg.Name)
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("table %s: at least one column is required", cfg.Name)
	}

	columns := append([]Column(nil), cfg.Columns...)
	sort.Slice(columns, func(i, j int) bool { return columns[i].ID < columns[j].ID })

	t := &Table{
		name:      cfg.Name,
		entry:     cfg.Entry.Clone(),
		columns:   columns,
		colPos:    make(map[uint32]int, len(columns)),
		statusCol: -1,
		pending:   make(map[string]*pending),
	}
	for i, c := range columns {
		if _, dup := t.colPos[c.ID]; dup {
			return nil, fmt.Errorf("table %s: duplicate column %d", cfg.Name, c.ID)
		}
		t.colPos[c.ID] = i
		if c.RowStatus {
			if t.statusCol >= 0 {
				return nil, fmt.Errorf("table %s: more than one status column", cfg.Name)
			}
			if c.Syntax != types.SyntaxInteger {
				return nil, fmt.Errorf("table %s: status column %d must be INTEGER", cfg.Name, c.ID)
			}
			t.statusCol = i
		}
	}

	checker := cfg.Checker
	if checker == nil {
		checker = rowstatus.ConsistencyFunc(t.requiredColumnsSet)
	}
	t.ctl = rowstatus.NewController(rowstatus.WithConsistencyChecker(checker), rowstatus.WithSizeLimit(cfg.Limit))
	return t, nil
}

func (t *Table) requiredColumnsSet(_ oid.OID, values []types.Variable) types.ErrorStatus {
	for i, c := range t.columns {
		if c.Required && values[i].Syntax == types.SyntaxNull {
			return types.ErrorStatusInconsistentValue
		}
	}
	return types.ErrorStatusNoError
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Controller returns the row lifecycle controller, for listener registration.
func (t *Table) Controller() *rowstatus.Controller { return t.ctl }

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Row returns a copy of the values and status of the row at index.
func (t *Table) Row(index oid.OID) ([]types.Variable, rowstatus.RowStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.search(index)
	if !ok {
		return nil, rowstatus.NotExistent, false
	}
	r := t.rows[i]
	return append([]types.Variable(nil), r.values...), r.status, true
}

// AddRow inserts an active row outside of any request, typically at startup.
// Missing trailing values take column defaults; a Null value leaves its
// column unset.
func (t *Table) AddRow(index oid.OID, values []types.Variable) error {
	if len(values) > len(t.columns) {
		return fmt.Errorf("table %s: %d values for %d columns", t.name, len(values), len(t.columns))
	}
	full := t.defaults()
	for i, v := range values {
		if v.Syntax != t.columns[i].Syntax && v.Syntax != types.SyntaxNull {
			return fmt.Errorf("table %s: column %d expects %s, got %s", t.name, t.columns[i].ID, t.columns[i].Syntax, v.Syntax)
		}
		full[i] = v
	}
	if t.statusCol >= 0 {
		full[t.statusCol] = rowstatus.Active.Variable()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.search(index); exists {
		return fmt.Errorf("table %s: row %s already exists", t.name, index)
	}
	t.insert(&row{index: index.Clone(), values: full, status: rowstatus.Active, order: t.takeOrder()})
	return nil
}

func (t *Table) defaults() []types.Variable {
	values := make([]types.Variable, len(t.columns))
	for i, c := range t.columns {
		if c.Default.Syntax == 0 {
			values[i] = types.Null
		} else {
			values[i] = c.Default
		}
	}
	return values
}

func (t *Table) takeOrder() uint64 {
	t.nextOrder++
	return t.nextOrder
}

// search returns the position of index in rows, or where it would be
// inserted. Callers hold mu.
func (t *Table) search(index oid.OID) (int, bool) {
	i := sort.Search(len(t.rows), func(i int) bool { return oid.Compare(t.rows[i].index, index) >= 0 })
	return i, i < len(t.rows) && t.rows[i].index.Equal(index)
}

func (t *Table) insert(r *row) {
	i, _ := t.search(r.index)
	t.rows = append(t.rows, nil)
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = r
}

func (t *Table) remove(index oid.OID) *row {
	i, ok := t.search(index)
	if !ok {
		return nil
	}
	r := t.rows[i]
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	return r
}

// split breaks an instance identifier into column position and row index.
func (t *Table) split(o oid.OID) (int, oid.OID, bool) {
	if len(o) <= len(t.entry)+1 || !o.StartsWith(t.entry) {
		return 0, nil, false
	}
	pos, ok := t.colPos[o[len(t.entry)]]
	if !ok {
		return 0, nil, false
	}
	return pos, o.Suffix(len(t.entry) + 1), true
}

func (t *Table) Scope() oid.Scope {
	return oid.Subtree(t.entry)
}

// find walks instances in column-major order. Callers hold mu.
func (t *Table) find(scope oid.Scope) (oid.OID, *row, int, bool) {
	for pos, c := range t.columns {
		if c.Access == mo.AccessNotAccessible {
			continue
		}
		prefix := t.entry.Append(c.ID)
		i := sort.Search(len(t.rows), func(i int) bool {
			return oid.Compare(prefix.Append(t.rows[i].index...), scope.Lower) >= 0
		})
		for ; i < len(t.rows); i++ {
			o := prefix.Append(t.rows[i].index...)
			if scope.Covers(o) {
				return o, t.rows[i], pos, true
			}
			if !scope.IsUnbounded() && oid.Compare(o, scope.Upper) >= 0 {
				return nil, nil, 0, false
			}
		}
	}
	return nil, nil, 0, false
}

func (t *Table) Find(scope oid.Scope) (oid.OID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, _, _, ok := t.find(scope)
	return o, ok
}

func (t *Table) Get(sub mo.SubRequest) {
	vb := sub.VarBind()
	defer sub.Complete()

	pos, index, ok := t.split(vb.OID)
	if !ok || t.columns[pos].Access == mo.AccessNotAccessible {
		vb.Variable = types.NoSuchObject
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	i, exists := t.search(index)
	if !exists {
		vb.Variable = types.NoSuchInstance
		return
	}
	vb.Variable = t.rows[i].values[pos]
}

func (t *Table) Next(sub mo.SubRequest) bool {
	t.mu.RLock()
	o, r, pos, ok := t.find(sub.Scope())
	var v types.Variable
	if ok {
		v = r.values[pos]
	}
	t.mu.RUnlock()

	if !ok {
		return false
	}
	vb := sub.VarBind()
	vb.OID = o
	vb.Variable = v
	sub.Complete()
	return true
}

// Snapshot returns every row in insertion order.
func (t *Table) Snapshot() ([]mo.RowSnapshot, error) {
	t.mu.RLock()
	rows := append([]*row(nil), t.rows...)
	t.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].order < rows[j].order })
	out := make([]mo.RowSnapshot, len(rows))
	for i, r := range rows {
		out[i] = mo.RowSnapshot{Index: r.index.Clone(), Values: append([]types.Variable(nil), r.values...)}
	}
	return out, nil
}

// Restore replaces the table content with rows written by Snapshot. The
// order of rows is kept as their insertion order.
func (t *Table) Restore(rows []mo.RowSnapshot) error {
	restored := make([]*row, 0, len(rows))
	for _, rs := range rows {
		if len(rs.Values) != len(t.columns) {
			return fmt.Errorf("table %s: row %s has %d values for %d columns", t.name, rs.Index, len(rs.Values), len(t.columns))
		}
		for i, v := range rs.Values {
			if v.Syntax != t.columns[i].Syntax && v.Syntax != types.SyntaxNull {
				return fmt.Errorf("table %s: row %s column %d expects %s, got %s", t.name, rs.Index, t.columns[i].ID, t.columns[i].Syntax, v.Syntax)
			}
		}
		status := rowstatus.Active
		if t.statusCol >= 0 {
			s, ok := rowstatus.FromVariable(rs.Values[t.statusCol])
			if !ok || !s.Exists() {
				return fmt.Errorf("table %s: row %s has invalid status %s", t.name, rs.Index, rs.Values[t.statusCol])
			}
			status = s
		}
		restored = append(restored, &row{
			index:  rs.Index.Clone(),
			values: append([]types.Variable(nil), rs.Values...),
			status: status,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
	for _, r := range restored {
		if _, dup := t.search(r.index); dup {
			return fmt.Errorf("table %s: duplicate row %s", t.name, r.index)
		}
		r.order = t.takeOrder()
		t.insert(r)
	}
	return nil
}
