package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindList
	KindBool
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	default:
		return "null"
	}
}

// Value is an immutable expression value: a string, a list of strings, a
// bool, a number, or null.
type Value struct {
	kind Kind
	str  string
	list []string
	b    bool
	num  float64
}

// Null is the zero Value.
var Null = Value{}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// List returns a list value holding a copy of items.
func List(items ...string) Value {
	return Value{kind: KindList, list: append([]string{}, items...)}
}

// Bool returns a bool value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Items returns a copy of the list elements. Scalars yield a single element
// and null yields none.
func (v Value) Items() []string {
	switch v.kind {
	case KindList:
		return append([]string{}, v.list...)
	case KindNull:
		return nil
	default:
		return []string{v.String()}
	}
}

// Truthy converts the value to a boolean the way conditions consume it.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindString:
		return v.str != ""
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindList:
		return len(v.list) > 0
	default:
		return false
	}
}

// String renders the value as text. Lists are comma joined.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindList:
		return strings.Join(v.list, ",")
	default:
		return ""
	}
}

// Equal compares v with other, converting other to v's kind first.
func (v Value) Equal(other Value) bool {
	switch v.kind {
	case KindString:
		if other.kind == KindNull {
			return false
		}
		return strings.EqualFold(v.str, other.String())
	case KindBool:
		return v.b == other.Truthy()
	case KindNumber:
		n, ok := other.asNumber()
		return ok && n == v.num
	case KindList:
		if other.kind != KindList || len(other.list) != len(v.list) {
			return false
		}
		for i := range v.list {
			if !strings.EqualFold(v.list[i], other.list[i]) {
				return false
			}
		}
		return true
	default:
		return other.kind == KindNull
	}
}

func (v Value) asNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// MarshalJSON renders the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.num)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

// FromAny converts a decoded YAML or JSON value into a Value. Sequences become
// string lists; their elements must be scalars.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Null, fmt.Errorf("number %v is not finite", t)
		}
		return Number(t), nil
	case []string:
		return List(t...), nil
	case []any:
		items := make([]string, 0, len(t))
		for i, elem := range t {
			scalar, err := FromAny(elem)
			if err != nil {
				return Null, fmt.Errorf("[%d]: %w", i, err)
			}
			if scalar.kind == KindList {
				return Null, fmt.Errorf("[%d]: nested lists are not supported", i)
			}
			items = append(items, scalar.String())
		}
		return List(items...), nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", in)
	}
}
