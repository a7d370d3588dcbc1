package dispatch

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/compreg/errors"
)

// MethodSpec describes one callable method: its name and parameter kinds.
// Overloads share a name and differ in parameters.
type MethodSpec struct {
	Name   string
	Params []Kind
}

// Signature renders the parameter list, e.g. "(string,int)".
func (m MethodSpec) Signature() string {
	return signature(m.Params)
}

func signature(kinds []Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Coercion converts an argument of one kind into another. It reports false
// when the particular value cannot be converted.
type Coercion func(v any) (any, bool)

type coercionKey struct{ from, to Kind }

// plan is a cached resolution: the chosen method and, per argument, the
// coercion to apply (nil when the kind already matches).
type plan struct {
	spec      *MethodSpec
	coercions []Coercion
}

// MethodTable resolves (name, argument kinds) to a method. Resolutions are
// cached per distinct signature.
type MethodTable struct {
	byName    map[string][]*MethodSpec
	coercions map[coercionKey]Coercion

	mu    sync.RWMutex
	cache map[string]*plan
}

// NewMethodTable builds a table from the given specs with the built-in
// numeric and null coercions installed.
func NewMethodTable(specs ...MethodSpec) *MethodTable {
	t := &MethodTable{
		byName:    make(map[string][]*MethodSpec),
		coercions: make(map[coercionKey]Coercion),
		cache:     make(map[string]*plan),
	}
	for i := range specs {
		s := specs[i]
		t.byName[s.Name] = append(t.byName[s.Name], &s)
	}

	t.AddCoercion(KindInt, KindFloat, func(v any) (any, bool) {
		f, ok := toFloat(v)
		return f, ok
	})
	t.AddCoercion(KindFloat, KindInt, func(v any) (any, bool) {
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, false
		}
		return int64(f), true
	})
	t.AddCoercion(KindString, KindHandle, func(v any) (any, bool) {
		s, ok := v.(string)
		return Handle(s), ok
	})
	t.AddCoercion(KindInt, KindDuration, func(v any) (any, bool) {
		f, ok := toFloat(v)
		return durationMillis(f), ok
	})
	return t
}

// AddCoercion installs a conversion tried when no method matches exactly.
// Call before the table is shared.
func (t *MethodTable) AddCoercion(from, to Kind, fn Coercion) {
	t.coercions[coercionKey{from, to}] = fn
}

// Has reports whether any overload of name exists.
func (t *MethodTable) Has(name string) bool {
	return len(t.byName[name]) > 0
}

// Resolve picks the method for name and args and returns the args after
// coercion. Exact kind matches win; otherwise the first overload (in
// declaration order) whose every parameter is reachable by coercion is used.
func (t *MethodTable) Resolve(name string, args []any) (*MethodSpec, []any, error) {
	kinds := make([]Kind, len(args))
	for i, a := range args {
		kinds[i] = KindOf(a)
	}
	key := name + signature(kinds)

	t.mu.RLock()
	p, ok := t.cache[key]
	t.mu.RUnlock()

	if !ok {
		p = t.search(name, kinds)
		if p == nil {
			return nil, nil, errors.MethodNotFound(name, signature(kinds))
		}
		t.mu.Lock()
		t.cache[key] = p
		t.mu.Unlock()
	}

	var out []any
	for i, c := range p.coercions {
		if c == nil {
			continue
		}
		if out == nil {
			out = append([]any(nil), args...)
		}
		v, ok := c(out[i])
		if !ok {
			return nil, nil, errors.MethodNotFound(name, signature(kinds))
		}
		out[i] = v
	}
	if out == nil {
		out = args
	}
	return p.spec, out, nil
}

func (t *MethodTable) search(name string, kinds []Kind) *plan {
	candidates := t.byName[name]
	for _, spec := range candidates {
		if len(spec.Params) != len(kinds) {
			continue
		}
		exact := true
		for i, k := range kinds {
			if spec.Params[i] != k {
				exact = false
				break
			}
		}
		if exact {
			return &plan{spec: spec, coercions: make([]Coercion, len(kinds))}
		}
	}

	for _, spec := range candidates {
		if len(spec.Params) != len(kinds) {
			continue
		}
		coercions := make([]Coercion, len(kinds))
		ok := true
		for i, k := range kinds {
			want := spec.Params[i]
			switch {
			case k == want:
			case want == KindAny:
			case k == KindNull && !scalar(want):
				coercions[i] = keepNull
			default:
				c, found := t.coercions[coercionKey{k, want}]
				if !found {
					ok = false
				}
				coercions[i] = c
			}
			if !ok {
				break
			}
		}
		if ok {
			return &plan{spec: spec, coercions: coercions}
		}
	}
	return nil
}

func keepNull(v any) (any, bool) { return v, true }

func durationMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func scalar(k Kind) bool {
	switch k {
	case KindBool, KindInt, KindFloat, KindDuration:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
