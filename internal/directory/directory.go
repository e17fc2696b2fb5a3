// Package directory holds the context-partitioned registry of managed object
// handlers and answers exact and successor lookups against it.
package directory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Registration binds a handler to a scope within a context.
type Registration struct {
	Context string
	Scope   oid.Scope
	Handler mo.Handler
}

// registry is an immutable view of all registrations. Each context's slice is
// ordered by lower bound and never modified after publication.
type registry map[string][]Registration

// Directory is safe for concurrent use. Readers load the current registry
// without locking; writers serialize on mu and publish a modified copy.
type Directory struct {
	logger logging.Logger

	mu      sync.Mutex
	current atomic.Pointer[registry]
}

// New creates an empty directory.
func New(logger logging.Logger) *Directory {
	d := &Directory{logger: logger.With("component", "directory")}
	empty := registry{}
	d.current.Store(&empty)
	return d
}

func (d *Directory) load() registry {
	return *d.current.Load()
}

// lowerLess orders scopes by lower bound; an included bound sorts before an
// excluded one at the same identifier.
func lowerLess(a, b oid.Scope) bool {
	if c := oid.Compare(a.Lower, b.Lower); c != 0 {
		return c < 0
	}
	return a.LowerIncluded && !b.LowerIncluded
}

// Register adds handler under scope in context. It fails when scope is empty
// or overlaps a registration of the same context, leaving the directory
// unchanged.
func (d *Directory) Register(scope oid.Scope, context []byte, handler mo.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if scope.IsEmpty() {
		return fmt.Errorf("cannot register empty scope %s", scope)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := string(context)
	cur := d.load()
	regs := cur[ctx]
	for _, r := range regs {
		if r.Scope.Overlaps(scope) {
			return &types.RegistrationError{Context: ctx, Scope: scope, Existing: r.Scope}
		}
	}

	i := sort.Search(len(regs), func(i int) bool { return lowerLess(scope, regs[i].Scope) })
	updated := make([]Registration, 0, len(regs)+1)
	updated = append(updated, regs[:i]...)
	updated = append(updated, Registration{Context: ctx, Scope: scope, Handler: handler})
	updated = append(updated, regs[i:]...)

	d.publish(cur, ctx, updated)
	d.logger.Debug("Registered handler", "context", ctx, "scope", scope.String())
	return nil
}

// Unregister removes the registration with exactly scope in context. Removing
// an absent registration is a no-op.
func (d *Directory) Unregister(scope oid.Scope, context []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := string(context)
	cur := d.load()
	regs := cur[ctx]
	for i, r := range regs {
		if !sameScope(r.Scope, scope) {
			continue
		}
		updated := make([]Registration, 0, len(regs)-1)
		updated = append(updated, regs[:i]...)
		updated = append(updated, regs[i+1:]...)
		d.publish(cur, ctx, updated)
		d.logger.Debug("Unregistered handler", "context", ctx, "scope", scope.String())
		return
	}
}

func sameScope(a, b oid.Scope) bool {
	if !a.Lower.Equal(b.Lower) || a.LowerIncluded != b.LowerIncluded {
		return false
	}
	if (a.Upper == nil) != (b.Upper == nil) {
		return false
	}
	return a.Upper == nil || (a.Upper.Equal(b.Upper) && a.UpperIncluded == b.UpperIncluded)
}

func (d *Directory) publish(cur registry, ctx string, regs []Registration) {
	next := make(registry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if len(regs) == 0 {
		delete(next, ctx)
	} else {
		next[ctx] = regs
	}
	d.current.Store(&next)
}

// Lookup returns the handler whose scope covers point in context.
func (d *Directory) Lookup(context []byte, point oid.OID) (mo.Handler, bool) {
	regs := d.load()[string(context)]
	i := sort.Search(len(regs), func(i int) bool { return oid.Compare(regs[i].Scope.Lower, point) > 0 })
	// Two candidates at most: a registration starting just after point
	// exclusively may follow one that ends at point inclusively.
	for j := i - 1; j >= 0 && j >= i-2; j-- {
		if regs[j].Scope.Covers(point) {
			return regs[j].Handler, true
		}
	}
	return nil, false
}

// LookupNext walks the registrations of context in ascending order and returns
// the first instance a handler holds inside scope, together with that handler.
func (d *Directory) LookupNext(context []byte, scope oid.Scope) (oid.OID, mo.Handler, bool) {
	for _, r := range d.load()[string(context)] {
		if !r.Scope.Overlaps(scope) {
			if !scope.IsUnbounded() && oid.Compare(r.Scope.Lower, scope.Upper) > 0 {
				break
			}
			continue
		}
		if o, ok := r.Handler.Find(scope.Intersect(r.Scope)); ok {
			return o, r.Handler, true
		}
	}
	return nil, nil, false
}

// Snapshot returns a point-in-time copy of every registration, ordered by
// context and then by scope. Later changes to the directory are not visible
// in the returned slice.
func (d *Directory) Snapshot() []Registration {
	cur := d.load()
	contexts := sortedContexts(cur)
	var out []Registration
	for _, ctx := range contexts {
		out = append(out, cur[ctx]...)
	}
	return out
}

// Contexts returns the contexts holding at least one registration.
func (d *Directory) Contexts() []string {
	return sortedContexts(d.load())
}

// Len returns the number of registrations across all contexts.
func (d *Directory) Len() int {
	n := 0
	for _, regs := range d.load() {
		n += len(regs)
	}
	return n
}

func sortedContexts(r registry) []string {
	out := make([]string, 0, len(r))
	for ctx := range r {
		out = append(out, ctx)
	}
	sort.Strings(out)
	return out
}

// GetStats returns registration counts per context.
func (d *Directory) GetStats() map[string]interface{} {
	perContext := make(map[string]int)
	for ctx, regs := range d.load() {
		perContext[ctx] = len(regs)
	}
	return map[string]interface{}{
		"registrations": d.Len(),
		"contexts":      perContext,
	}
}
