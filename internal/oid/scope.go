package oid

import "strings"

// Scope is an interval over identifiers with independent inclusivity on each
// bound. A nil Lower is the root identifier; a nil Upper is unbounded.
type Scope struct {
	Lower         OID
	LowerIncluded bool
	Upper         OID
	UpperIncluded bool
}

// NewScope builds a scope from its bounds. The bounds are copied.
func NewScope(lower OID, lowerIncluded bool, upper OID, upperIncluded bool) Scope {
	return Scope{
		Lower:         lower.Clone(),
		LowerIncluded: lowerIncluded,
		Upper:         upper.Clone(),
		UpperIncluded: upperIncluded,
	}
}

// Point returns the closed scope [o, o].
func Point(o OID) Scope {
	return NewScope(o, true, o, true)
}

// Subtree returns the scope [prefix, NextPeer(prefix)) covering prefix and
// every identifier below it.
func Subtree(prefix OID) Scope {
	return Scope{
		Lower:         prefix.Clone(),
		LowerIncluded: true,
		Upper:         prefix.NextPeer(),
		UpperIncluded: false,
	}
}

// After returns the open-ended scope of every identifier strictly after o.
func After(o OID) Scope {
	return Scope{Lower: o.Clone(), LowerIncluded: false}
}

// All returns the scope covering the whole identifier space.
func All() Scope {
	return Scope{Lower: OID{}, LowerIncluded: true}
}

// IsUnbounded reports whether the scope has no upper limit.
func (s Scope) IsUnbounded() bool {
	return s.Upper == nil
}

// IsEmpty reports whether no identifier lies inside the scope.
func (s Scope) IsEmpty() bool {
	if s.Upper == nil {
		return false
	}
	c := Compare(s.Lower, s.Upper)
	if c > 0 {
		return true
	}
	return c == 0 && !(s.LowerIncluded && s.UpperIncluded)
}

// Covers reports whether o lies within the bounds of s.
func (s Scope) Covers(o OID) bool {
	c := Compare(o, s.Lower)
	if c < 0 || (c == 0 && !s.LowerIncluded) {
		return false
	}
	if s.Upper == nil {
		return true
	}
	c = Compare(o, s.Upper)
	return c < 0 || (c == 0 && s.UpperIncluded)
}

// CoversScope reports whether other is fully contained in s.
func (s Scope) CoversScope(other Scope) bool {
	c := Compare(other.Lower, s.Lower)
	if c < 0 || (c == 0 && other.LowerIncluded && !s.LowerIncluded) {
		return false
	}
	if s.Upper == nil {
		return true
	}
	if other.Upper == nil {
		return false
	}
	c = Compare(other.Upper, s.Upper)
	if c > 0 || (c == 0 && other.UpperIncluded && !s.UpperIncluded) {
		return false
	}
	return true
}

// Overlaps reports whether s and other share at least one identifier.
func (s Scope) Overlaps(other Scope) bool {
	if s.IsEmpty() || other.IsEmpty() {
		return false
	}
	return lowerBeforeUpper(s.Lower, s.LowerIncluded, other.Upper, other.UpperIncluded) &&
		lowerBeforeUpper(other.Lower, other.LowerIncluded, s.Upper, s.UpperIncluded)
}

// Intersect returns the part of s that is also inside other. The result may
// be empty.
func (s Scope) Intersect(other Scope) Scope {
	r := s
	if c := Compare(other.Lower, s.Lower); c > 0 || (c == 0 && !other.LowerIncluded) {
		r.Lower, r.LowerIncluded = other.Lower, other.LowerIncluded
	}
	switch {
	case other.Upper == nil:
	case s.Upper == nil:
		r.Upper, r.UpperIncluded = other.Upper, other.UpperIncluded
	default:
		if c := Compare(other.Upper, s.Upper); c < 0 || (c == 0 && !other.UpperIncluded) {
			r.Upper, r.UpperIncluded = other.Upper, other.UpperIncluded
		}
	}
	return r
}

// String renders the scope in interval notation, e.g. "[1.3.6, 1.3.7)".
func (s Scope) String() string {
	var b strings.Builder
	if s.LowerIncluded {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	b.WriteString(s.Lower.String())
	b.WriteString(", ")
	if s.Upper == nil {
		b.WriteString("∞)")
		return b.String()
	}
	b.WriteString(s.Upper.String())
	if s.UpperIncluded {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}

func lowerBeforeUpper(lower OID, lowerIncluded bool, upper OID, upperIncluded bool) bool {
	if upper == nil {
		return true
	}
	c := Compare(lower, upper)
	if c < 0 {
		return true
	}
	return c == 0 && lowerIncluded && upperIncluded
}
