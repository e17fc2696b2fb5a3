package mo

import (
	"fmt"
	"sort"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Leaf is one read-only instance of a static group. Getter, when set,
// supplies the value at read time instead of Variable.
type Leaf struct {
	OID      oid.OID
	Variable types.Variable
	Getter   func() types.Variable
}

func (l Leaf) value() types.Variable {
	if l.Getter != nil {
		return l.Getter()
	}
	return l.Variable
}

// StaticGroup serves a fixed, ordered set of read-only instances under a
// single registration spanning the first to the last leaf.
type StaticGroup struct {
	scope  oid.Scope
	leaves []Leaf
}

// NewStaticGroup builds a group from its leaves. Leaves must be distinct.
func NewStaticGroup(leaves []Leaf) (*StaticGroup, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("static group needs at least one leaf")
	}

	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return oid.Compare(sorted[i].OID, sorted[j].OID) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].OID.Equal(sorted[i-1].OID) {
			return nil, fmt.Errorf("duplicate leaf %s in static group", sorted[i].OID)
		}
	}

	return &StaticGroup{
		scope:  oid.NewScope(sorted[0].OID, true, sorted[len(sorted)-1].OID, true),
		leaves: sorted,
	}, nil
}

func (g *StaticGroup) Scope() oid.Scope {
	return g.scope
}

func (g *StaticGroup) find(scope oid.Scope) (int, bool) {
	i := sort.Search(len(g.leaves), func(i int) bool {
		return oid.Compare(g.leaves[i].OID, scope.Lower) >= 0
	})
	for ; i < len(g.leaves); i++ {
		if scope.Covers(g.leaves[i].OID) {
			return i, true
		}
		if !scope.IsUnbounded() && oid.Compare(g.leaves[i].OID, scope.Upper) > 0 {
			break
		}
	}
	return 0, false
}

func (g *StaticGroup) Find(scope oid.Scope) (oid.OID, bool) {
	i, ok := g.find(scope)
	if !ok {
		return nil, false
	}
	return g.leaves[i].OID.Clone(), true
}

func (g *StaticGroup) Get(sub SubRequest) {
	vb := sub.VarBind()
	if i, ok := g.find(oid.Point(vb.OID)); ok {
		vb.Variable = g.leaves[i].value()
	} else {
		vb.Variable = types.NoSuchObject
	}
	sub.Complete()
}

func (g *StaticGroup) Next(sub SubRequest) bool {
	i, ok := g.find(sub.Scope())
	if !ok {
		return false
	}
	vb := sub.VarBind()
	vb.OID = g.leaves[i].OID.Clone()
	vb.Variable = g.leaves[i].value()
	sub.Complete()
	return true
}

func (g *StaticGroup) Prepare(sub SubRequest) {
	sub.SetErrorStatus(types.ErrorStatusNotWritable)
}

func (g *StaticGroup) Commit(sub SubRequest) { sub.Complete() }

func (g *StaticGroup) Undo(sub SubRequest) { sub.Complete() }

func (g *StaticGroup) Cleanup(sub SubRequest) { sub.Complete() }
