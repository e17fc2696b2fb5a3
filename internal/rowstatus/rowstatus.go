// Package rowstatus implements the lifecycle of conceptual table rows: the
// RowStatus state machine, consistency vetoes, size limits, change
// notification and row-bound background tasks.
package rowstatus

import (
	"fmt"
	"sync"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// RowStatus is the value of a row status column. NotExistent is never
// written by a manager; it describes a row that is not there.
type RowStatus int

// Row status values.
const (
	NotExistent RowStatus = iota
	Active
	NotInService
	NotReady
	CreateAndGo
	CreateAndWait
	Destroy
)

var statusNames = [...]string{"notExistent", "active", "notInService", "notReady", "createAndGo", "createAndWait", "destroy"}

func (s RowStatus) String() string {
	if s < NotExistent || s > Destroy {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s may be written by a manager.
func (s RowStatus) Valid() bool {
	return s >= Active && s <= Destroy
}

// Exists reports whether a row in status s is present in its table.
func (s RowStatus) Exists() bool {
	return s == Active || s == NotInService || s == NotReady
}

// FromVariable reads a row status from an INTEGER variable.
func FromVariable(v types.Variable) (RowStatus, bool) {
	if v.Syntax != types.SyntaxInteger {
		return NotExistent, false
	}
	i, ok := v.Int()
	if !ok {
		return NotExistent, false
	}
	return RowStatus(i), true
}

// Variable returns s as an INTEGER variable.
func (s RowStatus) Variable() types.Variable {
	return types.Integer(int64(s))
}

// ConsistencyChecker decides whether a row may become active. It returns
// noError to allow the transition.
type ConsistencyChecker interface {
	CheckConsistency(index oid.OID, values []types.Variable) types.ErrorStatus
}

// ConsistencyFunc adapts a function to ConsistencyChecker.
type ConsistencyFunc func(index oid.OID, values []types.Variable) types.ErrorStatus

func (f ConsistencyFunc) CheckConsistency(index oid.OID, values []types.Variable) types.ErrorStatus {
	return f(index, values)
}

// EventType classifies a committed row change.
type EventType int

// Row change event types.
const (
	EventCreated EventType = iota
	EventActivated
	EventDeactivated
	EventDestroyed
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// RowChangeEvent describes a committed row status change.
type RowChangeEvent struct {
	Type      EventType
	Index     oid.OID
	OldStatus RowStatus
	NewStatus RowStatus
	Values    []types.Variable
}

// RowChangeListener is notified after a row change has been committed and
// the request is being cleaned up.
type RowChangeListener interface {
	RowChanged(event RowChangeEvent)
}

// RowChangeFunc adapts a function to RowChangeListener.
type RowChangeFunc func(event RowChangeEvent)

func (f RowChangeFunc) RowChanged(event RowChangeEvent) { f(event) }

// Events derives the events for a change from old to next. A row created
// directly active yields both created and activated.
func Events(index oid.OID, old, next RowStatus, values []types.Variable) []RowChangeEvent {
	var out []RowChangeEvent
	add := func(t EventType) {
		out = append(out, RowChangeEvent{Type: t, Index: index, OldStatus: old, NewStatus: next, Values: values})
	}
	if old == NotExistent && next != NotExistent {
		add(EventCreated)
	}
	if next == Active && old != Active {
		add(EventActivated)
	}
	if old == Active && next != Active {
		add(EventDeactivated)
	}
	if old != NotExistent && next == NotExistent {
		add(EventDestroyed)
	}
	return out
}

// SizeLimit bounds the number of rows of a table. A Max of zero or less
// disables the limit. When Evict is false, inserting past the limit is
// refused; otherwise the oldest rows make room.
type SizeLimit struct {
	Max   int
	Evict bool
}

// Admit decides on adding rows to a table currently holding count rows. It
// returns how many of the oldest rows must be evicted first, or
// resourceUnavailable when the insertion is refused.
func (l SizeLimit) Admit(count, adding int) (int, types.ErrorStatus) {
	if l.Max <= 0 || count+adding <= l.Max {
		return 0, types.ErrorStatusNoError
	}
	if !l.Evict || adding > l.Max {
		return 0, types.ErrorStatusResourceUnavailable
	}
	return count + adding - l.Max, types.ErrorStatusNoError
}

// UndoRecord holds what is needed to put a row back as it was before a
// commit. Existed false means the row must be removed on undo.
type UndoRecord struct {
	Index   oid.OID
	Existed bool
	Status  RowStatus
	Values  []types.Variable
	// Order is the insertion position of the row, restored with it.
	Order uint64
}

// Controller applies the RowStatus transition rules on behalf of a table and
// dispatches change events.
type Controller struct {
	checker ConsistencyChecker
	limit   SizeLimit

	mu        sync.RWMutex
	listeners []listenerEntry
	nextID    uint64
}

type listenerEntry struct {
	id uint64
	l  RowChangeListener
}

// Option configures a Controller.
type Option func(*Controller)

// WithConsistencyChecker sets the checker consulted on activation.
func WithConsistencyChecker(c ConsistencyChecker) Option {
	return func(ctl *Controller) { ctl.checker = c }
}

// WithSizeLimit sets the row limit policy.
func WithSizeLimit(l SizeLimit) Option {
	return func(ctl *Controller) { ctl.limit = l }
}

// NewController creates a controller. Without a checker every row is
// considered consistent; without a size limit tables are unbounded.
func NewController(opts ...Option) *Controller {
	c := &Controller{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit returns the size limit policy.
func (c *Controller) Limit() SizeLimit {
	return c.limit
}

func (c *Controller) check(index oid.OID, values []types.Variable) types.ErrorStatus {
	if c.checker == nil {
		return types.ErrorStatusNoError
	}
	return c.checker.CheckConsistency(index, values)
}

// Transition computes the status a row moves to when a manager writes
// requested while it is in current. values are the row's values as they will
// be after the request. A destroyed row results in NotExistent. On error the
// returned status is current.
func (c *Controller) Transition(current, requested RowStatus, index oid.OID, values []types.Variable) (RowStatus, types.ErrorStatus) {
	if !requested.Valid() || requested == NotReady {
		return current, types.ErrorStatusWrongValue
	}

	if !current.Exists() {
		switch requested {
		case CreateAndGo:
			if status := c.check(index, values); status.IsError() {
				return current, status
			}
			return Active, types.ErrorStatusNoError
		case CreateAndWait:
			if c.check(index, values).IsError() {
				return NotReady, types.ErrorStatusNoError
			}
			return NotInService, types.ErrorStatusNoError
		case Destroy:
			return NotExistent, types.ErrorStatusNoError
		default:
			return current, types.ErrorStatusInconsistentValue
		}
	}

	switch requested {
	case CreateAndGo, CreateAndWait:
		return current, types.ErrorStatusInconsistentValue
	case Active:
		if status := c.check(index, values); status.IsError() {
			return current, status
		}
		return Active, types.ErrorStatusNoError
	case NotInService:
		if current == NotReady && c.check(index, values).IsError() {
			return current, types.ErrorStatusInconsistentValue
		}
		return NotInService, types.ErrorStatusNoError
	case Destroy:
		return NotExistent, types.ErrorStatusNoError
	}
	return current, types.ErrorStatusWrongValue
}

// AddListener registers l for row change events and returns a function that
// removes it again.
func (c *Controller) AddListener(l RowChangeListener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, l: l})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify sends the events of a committed change to every listener.
func (c *Controller) Notify(index oid.OID, old, next RowStatus, values []types.Variable) {
	events := Events(index, old, next, values)
	if len(events) == 0 {
		return
	}

	c.mu.RLock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, e := range events {
		for _, entry := range listeners {
			entry.l.RowChanged(e)
		}
	}
}
