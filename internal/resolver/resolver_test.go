package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/seed"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	def, err := seed.Parse("lab.cue", []byte(`
objects: [
	{name: "sysDescr", oid: "1.3.6.1.2.1.1.1", syntax: "OCTET STRING", value: "lab"},
]
tables: [{
	name:  "labTable"
	entry: "1.3.6.1.4.1.99999.2.1"
	columns: [
		{id: 2, name: "labValue", syntax: "INTEGER"},
		{id: 3, name: "labStatus", syntax: "INTEGER", rowstatus: true},
	]
}]
`))
	require.NoError(t, err)

	r, err := FromSeed(def)
	require.NoError(t, err)
	return r
}

func TestResolveOID(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		oid  string
		want string
		ok   bool
	}{
		{"1.3.6.1.2.1.1.1", "sysDescr", true},
		{"1.3.6.1.2.1.1.1.0", "sysDescr.0", true},
		{"1.3.6.1.4.1.99999.2.1.3.7", "labStatus.7", true},
		{"1.3.6.1.4.1.99999.2.1.9.1", "labTable.9.1", true},
		{"1.3.6.1.2.1.2", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.oid, func(t *testing.T) {
			got, ok := r.ResolveOID(oid.MustParse(tt.oid))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "1.3.6.1.2.1.2", r.Name(oid.MustParse("1.3.6.1.2.1.2")))

	stats := r.GetStats()
	assert.Equal(t, int64(6), stats.TotalLookups)
	assert.Equal(t, int64(1), stats.ExactMatches)
	assert.Equal(t, int64(3), stats.PartialMatches)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 4, stats.Names)
}

func TestResolveName(t *testing.T) {
	r := newTestResolver(t)

	o, err := r.ResolveName("sysDescr.0")
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.2.1.1.1.0", o.String())

	o, err = r.ResolveName("labValue")
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.99999.2.1.2", o.String())

	o, err = r.ResolveName("1.3.6.1")
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1", o.String())

	_, err = r.ResolveName("ifDescr.1")
	assert.Error(t, err)

	_, err = r.ResolveName("labValue.x")
	assert.Error(t, err)
}

func TestAddRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("a", oid.MustParse("1.3.6.1.4.1.1")))

	assert.Error(t, r.Add("a", oid.MustParse("1.3.6.1.4.1.2")))
	assert.Error(t, r.Add("b", oid.MustParse("1.3.6.1.4.1.1")))
	assert.Error(t, r.Add("", oid.MustParse("1.3.6.1.4.1.3")))
	assert.Error(t, r.Add("c.d", oid.MustParse("1.3.6.1.4.1.3")))
	assert.Error(t, r.Add("e", nil))
}
