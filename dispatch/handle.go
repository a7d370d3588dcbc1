package dispatch

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/compreg/bus"
	"github.com/vinayprograms/compreg/errors"
)

// Handle is the opaque remote reference used to call into a component or
// registry. On the bus it is the subject the target's Endpoint serves.
type Handle string

// WireKind implements Kinded.
func (h Handle) WireKind() Kind { return KindHandle }

// Validate reports a null handle or one that cannot address a target.
func (h Handle) Validate() error {
	if h == "" {
		return errors.InvalidInput("null target handle")
	}
	if err := bus.ValidatePublishSubject(string(h)); err != nil {
		return errors.InvalidInput("wrong target type: " + string(h))
	}
	return nil
}

// Kind names the shape of an argument in a method signature.
type Kind string

// Built-in kinds. Domain packages add their own (identity, record, ...)
// by implementing Kinded.
const (
	KindNull     Kind = "null"
	KindAny      Kind = "any"
	KindString   Kind = "string"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindDuration Kind = "duration"
	KindStrings  Kind = "strings"
	KindHandle   Kind = "handle"
)

// Kinded is implemented by argument types that declare their own kind.
type Kinded interface {
	WireKind() Kind
}

// KindOf returns the kind of an argument value.
func KindOf(v any) Kind {
	switch v := v.(type) {
	case nil:
		return KindNull
	case Kinded:
		return v.WireKind()
	case string:
		return KindString
	case bool:
		return KindBool
	case time.Duration:
		return KindDuration
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case []string:
		return KindStrings
	case json.RawMessage:
		return KindAny
	}
	return KindAny
}
