// Package constraint evaluates component constraint lists.
//
// A constraint list is in disjunctive normal form. Entries are predicates
// ANDed together; an entry consisting of the single word "or" starts a new
// clause. A predicate is [key, value] or [not, key, value] with key one of
// type, host, group or name:
//
//	[[type Foo] [host h1] [or] [not group batch]]
//
// matches Foo components on h1, and anything outside group "batch".
//
// Matching never fails loudly. A malformed list matches nothing.
package constraint

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/compreg/dispatch"
	"github.com/vinayprograms/compreg/errors"
	"github.com/vinayprograms/compreg/registry"
)

// Predicate keys.
const (
	KeyType  = "type"
	KeyHost  = "host"
	KeyGroup = "group"
	KeyName  = "name"
)

const (
	wordOr  = "or"
	wordNot = "not"
)

// List is a raw constraint list as sent by clients.
type List [][]string

// WireKind implements dispatch.Kinded.
func (l List) WireKind() dispatch.Kind { return registry.KindConstraints }

// Predicate is one parsed constraint entry.
type Predicate struct {
	Key    string
	Value  string
	Negate bool
}

// Clause is a conjunction of predicates.
type Clause []Predicate

// Parse converts l into clauses, or returns a MALFORMED_CONSTRAINT error
// naming the first bad entry.
func Parse(l List) ([]Clause, error) {
	clauses := []Clause{{}}
	for i, entry := range l {
		if len(entry) == 1 && strings.EqualFold(entry[0], wordOr) {
			if len(clauses[len(clauses)-1]) == 0 {
				return nil, errors.MalformedConstraint("empty clause before or",
					errors.WithMetadata("entry", entryString(i, entry)))
			}
			clauses = append(clauses, Clause{})
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			return nil, errors.MalformedConstraint(err.Error(),
				errors.WithMetadata("entry", entryString(i, entry)))
		}
		last := len(clauses) - 1
		clauses[last] = append(clauses[last], p)
	}
	if len(l) > 0 && len(clauses[len(clauses)-1]) == 0 {
		return nil, errors.MalformedConstraint("trailing or",
			errors.WithMetadata("entry", entryString(len(l)-1, l[len(l)-1])))
	}
	return clauses, nil
}

// Validate reports whether l is well formed.
func Validate(l List) error {
	_, err := Parse(l)
	return err
}

func parseEntry(entry []string) (Predicate, error) {
	var p Predicate
	switch len(entry) {
	case 2:
		p = Predicate{Key: entry[0], Value: entry[1]}
	case 3:
		if !strings.EqualFold(entry[0], wordNot) {
			return p, errors.MalformedConstraint("three-word entry must start with not")
		}
		p = Predicate{Key: entry[1], Value: entry[2], Negate: true}
	default:
		return p, errors.MalformedConstraint("entry must have two or three words")
	}
	p.Key = strings.ToLower(p.Key)
	switch p.Key {
	case KeyType, KeyHost, KeyGroup, KeyName:
	default:
		return p, errors.MalformedConstraint("unknown key " + p.Key)
	}
	return p, nil
}

// Eval reports whether rec satisfies the predicate.
func (p Predicate) Eval(rec *registry.Record) bool {
	var hit bool
	switch p.Key {
	case KeyType:
		hit = rec.Implements(p.Value)
	case KeyHost:
		hit = rec.Host == p.Value
	case KeyGroup:
		hit = rec.InGroup(p.Value)
	case KeyName:
		hit = rec.Identity.Name == p.Value
	}
	return hit != p.Negate
}

// Match reports whether rec satisfies l. Entries are scanned left to right
// and the first fully satisfied clause decides; a malformed entry reached
// during the scan makes the whole match false, and so does an empty clause.
// An empty list matches everything.
func Match(l List, rec *registry.Record) bool {
	ok := true
	n := 0
	for _, entry := range l {
		if len(entry) == 1 && strings.EqualFold(entry[0], wordOr) {
			if n == 0 {
				return false
			}
			if ok {
				return true
			}
			ok, n = true, 0
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			return false
		}
		n++
		if ok && !p.Eval(rec) {
			ok = false
		}
	}
	if len(l) > 0 && n == 0 {
		return false
	}
	return ok
}

// Filter returns the records of recs that match l.
func Filter(l List, recs []*registry.Record) []*registry.Record {
	var out []*registry.Record
	for _, r := range recs {
		if Match(l, r) {
			out = append(out, r)
		}
	}
	return out
}

func entryString(i int, entry []string) string {
	return fmt.Sprintf("#%d [%s]", i, strings.Join(entry, " "))
}
