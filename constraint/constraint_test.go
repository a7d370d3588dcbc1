package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

func record(typ, name, host string, groups ...string) *registry.Record {
	r := &registry.Record{
		Identity:   registry.Identity{Type: typ, Name: name},
		Host:       host,
		Groups:     groups,
		Interfaces: []string{"Storage"},
	}
	r.ApplyDefaults()
	return r
}

// --- Unit Tests ---

func TestMatch(t *testing.T) {
	foo := record("Foo", "A", "h1", "batch")
	bar := record("Bar", "B", "h2")

	tests := []struct {
		name string
		list List
		foo  bool
		bar  bool
	}{
		{"empty matches all", nil, true, true},
		{"type", List{{"type", "Foo"}}, true, false},
		{"interface counts as type", List{{"type", "Storage"}}, true, true},
		{"and", List{{"type", "Foo"}, {"host", "h2"}}, false, false},
		{"or", List{{"type", "Foo"}, {"or"}, {"type", "Bar"}}, true, true},
		{"not", List{{"not", "type", "Foo"}}, false, true},
		{"group", List{{"group", "batch"}}, true, false},
		{"default group is identity", List{{"group", "Bar/B"}}, false, true},
		{"name", List{{"name", "B"}}, false, true},
		{"case-insensitive words", List{{"NOT", "Type", "Foo"}, {"OR"}, {"name", "A"}}, true, true},
		{"unknown key fails closed", List{{"colour", "red"}}, false, false},
		{"one-word entry fails closed", List{{"type"}}, false, false},
		{"empty entry fails closed", List{{}}, false, false},
		{"bad three-word entry", List{{"maybe", "type", "Foo"}}, false, false},
		{"malformed after failing clause", List{{"type", "Bar"}, {"or"}, {"colour", "red"}}, false, true},
		{"satisfied clause short-circuits", List{{"type", "Foo"}, {"or"}, {"colour", "red"}}, true, false},
		{"trailing or fails closed", List{{"type", "Foo"}, {"or"}}, true, false},
		{"double or fails closed", List{{"type", "Foo"}, {"or"}, {"or"}}, true, false},
		{"leading or fails closed", List{{"or"}, {"type", "Bar"}}, false, false},
		{"lone or fails closed", List{{"or"}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.foo, Match(tt.list, foo), "Foo/A")
			assert.Equal(t, tt.bar, Match(tt.list, bar), "Bar/B")
		})
	}
}

func TestParse(t *testing.T) {
	clauses, err := Parse(List{{"type", "Foo"}, {"host", "h1"}, {"or"}, {"not", "group", "g"}})
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.Len(t, clauses[0], 2)
	assert.Equal(t, Predicate{Key: "group", Value: "g", Negate: true}, clauses[1][0])
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(List{{"type", "Foo"}, {"colour", "red"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeMalformedConstraint))
	assert.Equal(t, "#1 [colour red]", errors.As(err).Metadata()["entry"])
	assert.Error(t, Validate(List{{"a", "b", "c", "d"}}))
	assert.NoError(t, Validate(nil))

	for _, l := range []List{{{"or"}}, {{"type", "Foo"}, {"or"}}, {{"type", "Foo"}, {"or"}, {"or"}, {"name", "A"}}} {
		err := Validate(l)
		assert.True(t, errors.Is(err, errors.ErrCodeMalformedConstraint), "%v: %v", l, err)
	}
}

func TestFilter(t *testing.T) {
	recs := []*registry.Record{
		record("Foo", "A", "h1"),
		record("Foo", "B", "h2"),
		record("Bar", "C", "h1"),
	}
	got := Filter(List{{"host", "h1"}}, recs)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Identity.Name)
	assert.Equal(t, "C", got[1].Identity.Name)
}
