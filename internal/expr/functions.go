package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// thunk defers argument evaluation so and/or can short-circuit.
type thunk func() (Value, error)

type function struct {
	name    string
	minArgs int
	maxArgs int // -1 means variadic
	call    func(args []thunk) (Value, error)
}

func (f *function) arityMessage(got int) string {
	switch {
	case f.maxArgs < 0:
		return fmt.Sprintf("%s expects at least %d arguments, got %d", f.name, f.minArgs, got)
	case f.minArgs == f.maxArgs:
		return fmt.Sprintf("%s expects %d arguments, got %d", f.name, f.minArgs, got)
	default:
		return fmt.Sprintf("%s expects %d to %d arguments, got %d", f.name, f.minArgs, f.maxArgs, got)
	}
}

var functions map[string]*function

func init() {
	functions = make(map[string]*function)
	for _, fn := range []*function{
		{name: "and", minArgs: 2, maxArgs: -1, call: fnAnd},
		{name: "or", minArgs: 2, maxArgs: -1, call: fnOr},
		{name: "not", minArgs: 1, maxArgs: 1, call: fnNot},
		{name: "eq", minArgs: 2, maxArgs: 2, call: fnEq},
		{name: "ne", minArgs: 2, maxArgs: 2, call: fnNe},
		{name: "contains", minArgs: 2, maxArgs: 2, call: fnContains},
		{name: "startsWith", minArgs: 2, maxArgs: 2, call: stringPredicate(strings.HasPrefix)},
		{name: "endsWith", minArgs: 2, maxArgs: 2, call: stringPredicate(strings.HasSuffix)},
		{name: "in", minArgs: 2, maxArgs: -1, call: fnIn},
		{name: "notIn", minArgs: 2, maxArgs: -1, call: fnNotIn},
		{name: "containsValue", minArgs: 2, maxArgs: 2, call: fnContainsValue},
		{name: "format", minArgs: 1, maxArgs: -1, call: fnFormat},
	} {
		functions[strings.ToLower(fn.name)] = fn
	}
}

// Function names match case-insensitively.
func lookupFunction(name string) (*function, bool) {
	fn, ok := functions[strings.ToLower(name)]
	return fn, ok
}

func evalAll(args []thunk) ([]Value, error) {
	out := make([]Value, len(args))
	for i, arg := range args {
		v, err := arg()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func fnAnd(args []thunk) (Value, error) {
	for _, arg := range args {
		v, err := arg()
		if err != nil {
			return Null, err
		}
		if !v.Truthy() {
			return Bool(false), nil
		}
	}
	return Bool(true), nil
}

func fnOr(args []thunk) (Value, error) {
	for _, arg := range args {
		v, err := arg()
		if err != nil {
			return Null, err
		}
		if v.Truthy() {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}

func fnNot(args []thunk) (Value, error) {
	v, err := args[0]()
	if err != nil {
		return Null, err
	}
	return Bool(!v.Truthy()), nil
}

func fnEq(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	return Bool(vals[0].Equal(vals[1])), nil
}

func fnNe(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	return Bool(!vals[0].Equal(vals[1])), nil
}

// contains is a substring test on strings and a membership test when the
// haystack is a list.
func fnContains(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	if vals[0].Kind() == KindList {
		return Bool(listHas(vals[0], vals[1])), nil
	}
	haystack := strings.ToLower(vals[0].String())
	needle := strings.ToLower(vals[1].String())
	return Bool(strings.Contains(haystack, needle)), nil
}

func stringPredicate(pred func(s, affix string) bool) func([]thunk) (Value, error) {
	return func(args []thunk) (Value, error) {
		vals, err := evalAll(args)
		if err != nil {
			return Null, err
		}
		s := strings.ToLower(vals[0].String())
		affix := strings.ToLower(vals[1].String())
		return Bool(pred(s, affix)), nil
	}
}

// in(needle, a, b, ...) flattens list arguments into the candidate set.
func fnIn(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	needle := vals[0]
	for _, candidate := range vals[1:] {
		if candidate.Kind() == KindList {
			if listHas(candidate, needle) {
				return Bool(true), nil
			}
			continue
		}
		if needle.Equal(candidate) {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}

func fnNotIn(args []thunk) (Value, error) {
	v, err := fnIn(args)
	if err != nil {
		return Null, err
	}
	return Bool(!v.Truthy()), nil
}

func fnContainsValue(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	if vals[0].Kind() != KindList {
		return Bool(vals[0].Equal(vals[1])), nil
	}
	return Bool(listHas(vals[0], vals[1])), nil
}

func listHas(list, needle Value) bool {
	want := needle.String()
	for _, item := range list.list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}

// format('{0} on {1}', a, b) substitutes positional arguments. '{{' and '}}'
// escape literal braces; an index with no argument is an error.
func fnFormat(args []thunk) (Value, error) {
	vals, err := evalAll(args)
	if err != nil {
		return Null, err
	}
	tmpl := vals[0].String()
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return Null, fmt.Errorf("format: unterminated placeholder in %q", tmpl)
			}
			idx, err := strconv.Atoi(tmpl[i+1 : i+end])
			if err != nil || idx < 0 || idx+1 >= len(vals) {
				return Null, fmt.Errorf("format: bad placeholder %q", tmpl[i:i+end+1])
			}
			b.WriteString(vals[idx+1].String())
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return String(b.String()), nil
}
