// Package oid provides object identifiers and intervals over them.
//
// Identifiers are ordered lexicographically, sub-identifier by sub-identifier,
// with a shorter identifier ordered before any longer one sharing its prefix.
// The empty identifier is the root of the tree and sorts before everything.
package oid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// OID is an object identifier. Values are treated as immutable: every
// operation that derives a new identifier returns a fresh slice.
type OID []uint32

// Parse parses a dotted identifier such as "1.3.6.1" or ".1.3.6.1".
// The empty string and "." parse to the root identifier.
func Parse(s string) (OID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return OID{}, nil
	}

	parts := strings.Split(s, ".")
	o := make(OID, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-identifier %q at position %d: %w", p, i, err)
		}
		o[i] = uint32(v)
	}
	return o, nil
}

// MustParse is like Parse but panics on malformed input. Meant for constants.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// String returns the dotted representation without a leading dot.
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}
	var b strings.Builder
	for i, v := range o {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return b.String()
}

// Clone returns a copy of o.
func (o OID) Clone() OID {
	if o == nil {
		return nil
	}
	c := make(OID, len(o))
	copy(c, o)
	return c
}

// Append returns a new identifier made of o followed by sub.
func (o OID) Append(sub ...uint32) OID {
	c := make(OID, len(o), len(o)+len(sub))
	copy(c, o)
	return append(c, sub...)
}

// Compare compares a and b lexicographically and returns -1, 0 or 1.
func Compare(a, b OID) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// LeftMostCompare compares only the first n sub-identifiers of a and b.
// An identifier shorter than n still sorts before a longer one sharing its prefix.
func LeftMostCompare(n int, a, b OID) int {
	if len(a) > n {
		a = a[:n]
	}
	if len(b) > n {
		b = b[:n]
	}
	return Compare(a, b)
}

// Compare is the method form of Compare.
func (o OID) Compare(other OID) int {
	return Compare(o, other)
}

// Equal reports whether o and other hold the same sub-identifiers.
func (o OID) Equal(other OID) bool {
	return Compare(o, other) == 0
}

// StartsWith reports whether prefix is a prefix of o. Every identifier starts
// with the root identifier.
func (o OID) StartsWith(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i, v := range prefix {
		if o[i] != v {
			return false
		}
	}
	return true
}

// NextPeer returns the root of the subtree immediately following the subtree
// rooted at o, obtained by incrementing the last sub-identifier. A last
// sub-identifier already at its maximum carries into its parent. A nil result
// means there is no such peer and stands for an unbounded upper limit; this is
// always the case for the root identifier.
func (o OID) NextPeer() OID {
	for i := len(o) - 1; i >= 0; i-- {
		if o[i] < math.MaxUint32 {
			p := make(OID, i+1)
			copy(p, o[:i+1])
			p[i]++
			return p
		}
	}
	return nil
}

// Successor returns the immediate lexicographic successor of o, which is o.0.
func (o OID) Successor() OID {
	return o.Append(0)
}

// Suffix returns the sub-identifiers of o following the first n ones.
func (o OID) Suffix(n int) OID {
	if n >= len(o) {
		return OID{}
	}
	return o[n:].Clone()
}
