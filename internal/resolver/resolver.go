// Package resolver maps numeric OIDs to the object names given in a seed
// definition and back.
package resolver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/seed"
)

// ResolverStats tracks resolver statistics
type ResolverStats struct {
	TotalLookups   int64 `json:"total_lookups"`
	ExactMatches   int64 `json:"exact_matches"`
	PartialMatches int64 `json:"partial_matches"`
	ReverseLookups int64 `json:"reverse_lookups"`
	Misses         int64 `json:"misses"`
	Names          int   `json:"names"`
}

// Resolver resolves OIDs against a set of named objects. A lookup matches
// the longest named prefix; the remaining arcs are kept as an instance
// suffix, so 1.3.6.1.2.1.1.1.0 resolves to sysDescr.0.
type Resolver struct {
	mu     sync.RWMutex
	byOID  map[string]string
	byName map[string]oid.OID
	stats  ResolverStats
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{
		byOID:  make(map[string]string),
		byName: make(map[string]oid.OID),
	}
}

// FromSeed names every object, table and column of def. Tables are named
// at their entry OID and columns at entry.column.
func FromSeed(def *seed.Definition) (*Resolver, error) {
	r := New()
	for _, o := range def.Objects {
		base, err := oid.Parse(o.OID)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.Name, err)
		}
		if err := r.Add(o.Name, base); err != nil {
			return nil, err
		}
	}
	for _, t := range def.Tables {
		entry, err := oid.Parse(t.Entry)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if err := r.Add(t.Name, entry); err != nil {
			return nil, err
		}
		for _, c := range t.Columns {
			if err := r.Add(c.Name, entry.Append(c.ID)); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Add names o. Names and OIDs must both be unique.
func (r *Resolver) Add(name string, o oid.OID) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid object name %q", name)
	}
	if len(o) == 0 {
		return fmt.Errorf("object %s has an empty OID", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := o.String()
	if existing, ok := r.byOID[key]; ok {
		return fmt.Errorf("OID %s is already named %s", key, existing)
	}
	if existing, ok := r.byName[name]; ok {
		return fmt.Errorf("name %s is already used by %s", name, existing)
	}
	r.byOID[key] = name
	r.byName[name] = o.Clone()
	r.stats.Names = len(r.byName)
	return nil
}

// ResolveOID returns the symbolic form of o, or false when no prefix of o
// is named.
func (r *Resolver) ResolveOID(o oid.OID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalLookups++
	for i := len(o); i > 0; i-- {
		name, ok := r.byOID[o[:i].String()]
		if !ok {
			continue
		}
		if i == len(o) {
			r.stats.ExactMatches++
			return name, true
		}
		r.stats.PartialMatches++
		return name + "." + o[i:].String(), true
	}
	r.stats.Misses++
	return "", false
}

// Name returns the symbolic form of o, falling back to the numeric form.
func (r *Resolver) Name(o oid.OID) string {
	if name, ok := r.ResolveOID(o); ok {
		return name
	}
	return o.String()
}

// ResolveName parses a symbolic OID such as "sysDescr.0". Purely numeric
// input is parsed as is.
func (r *Resolver) ResolveName(s string) (oid.OID, error) {
	r.mu.Lock()
	r.stats.TotalLookups++
	r.stats.ReverseLookups++
	name, suffix, _ := strings.Cut(s, ".")
	base, ok := r.byName[name]
	if !ok {
		r.stats.Misses++
	}
	r.mu.Unlock()

	if !ok {
		if o, err := oid.Parse(s); err == nil {
			return o, nil
		}
		return nil, fmt.Errorf("name %s not found", name)
	}
	if suffix == "" {
		return base.Clone(), nil
	}
	tail, err := oid.Parse(suffix)
	if err != nil {
		return nil, fmt.Errorf("invalid instance suffix in %s: %w", s, err)
	}
	return base.Append(tail...), nil
}

// GetStats returns resolver statistics
func (r *Resolver) GetStats() ResolverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
