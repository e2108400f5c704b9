package dsl

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/sluice/internal/expr"
)

// ErrInvalidOverride marks a parameter override that is malformed or does not
// convert to the declared type.
var ErrInvalidOverride = errors.New("invalid parameter override")

// ParameterSet maps parameter names to typed values. It is read-only during
// planning; Override returns a new set.
type ParameterSet map[string]expr.Value

// Get returns the named parameter.
func (p ParameterSet) Get(name string) (expr.Value, bool) {
	v, ok := p[name]
	return v, ok
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override returns a copy of p with raw "name=value" overrides applied. Each
// value is converted to the declared type of the parameter; stringList values
// are comma separated.
func (d *Document) Override(p ParameterSet, overrides []string) (ParameterSet, error) {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, raw := range overrides {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w %q: want name=value", ErrInvalidOverride, raw)
		}
		decl, ok := d.parameter(name)
		if !ok {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOverride, &expr.UnknownIdentifierError{Name: "parameters." + name})
		}
		v, err := parseOverride(decl.Type, value)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidOverride, name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (d *Document) parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

func parseOverride(typ ParameterType, raw string) (expr.Value, error) {
	raw = strings.TrimSpace(raw)
	switch typ {
	case TypeStringList:
		if raw == "" {
			return expr.List(), nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return expr.List(parts...), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return expr.Null, fmt.Errorf("want a boolean, got %q", raw)
		}
		return expr.Bool(b), nil
	case TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return expr.Null, fmt.Errorf("want a finite number, got %q", raw)
		}
		return expr.Number(n), nil
	default:
		return expr.String(raw), nil
	}
}

// coerceDefault converts a decoded YAML default into the declared type.
func coerceDefault(typ ParameterType, raw any) (expr.Value, error) {
	v, err := expr.FromAny(raw)
	if err != nil {
		return expr.Null, err
	}
	switch typ {
	case TypeStringList:
		if v.Kind() == expr.KindNull {
			return expr.List(), nil
		}
		if v.Kind() != expr.KindList {
			return expr.Null, fmt.Errorf("default must be a list, got %s", v.Kind())
		}
	case TypeBoolean:
		if v.Kind() != expr.KindBool {
			return expr.Null, fmt.Errorf("default must be a boolean, got %s", v.Kind())
		}
	case TypeNumber:
		if v.Kind() != expr.KindNumber {
			return expr.Null, fmt.Errorf("default must be a number, got %s", v.Kind())
		}
	case TypeString:
		switch v.Kind() {
		case expr.KindList:
			return expr.Null, fmt.Errorf("default must be a scalar, got %s", v.Kind())
		case expr.KindNull:
			return expr.String(""), nil
		}
		return expr.String(v.String()), nil
	}
	return v, nil
}
