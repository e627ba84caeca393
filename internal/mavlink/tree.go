package mavlink

import (
	"fmt"
	"reflect"
)

// Tree is the self-describing, JSON-like structured form of a message used
// for generic condition-checking, field extraction, ack building, and
// script interop (spec.md §3: "a JSON-like tree with named fields").
type Tree map[string]any

// underlying unwraps a Catalog-issued Message to the concrete gomavlib
// dialect struct it wraps, so reflection walks the message's real fields
// (TargetSystem, Param1, ...) instead of dialectMessage's own id/name
// bookkeeping fields.
func underlying(msg Message) any {
	if dm, ok := msg.(*dialectMessage); ok {
		return dm.RawMessage
	}
	return msg
}

// ToStructured reflects a message's exported fields into a Tree. Field
// names match the Go struct field names exactly (e.g. "TargetSystem"),
// which is also how rule conditions and ack copy_fields name them.
func ToStructured(msg Message) Tree {
	v := reflect.ValueOf(underlying(msg)).Elem()
	t := v.Type()
	tree := make(Tree, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tree[t.Field(i).Name] = v.Field(i).Interface()
	}
	return tree
}

// FromStructured reconstructs a message of the named variant from a Tree.
// Numeric values are coerced to the destination field's exact width so
// that a tree built from JSON (where all numbers arrive as float64) or Lua
// (where numbers arrive as float64 too) round-trips cleanly.
func FromStructured(catalog *Catalog, typeName string, tree Tree) (Message, error) {
	msg, err := catalog.New(typeName)
	if err != nil {
		return nil, err
	}

	v := reflect.ValueOf(underlying(msg)).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		raw, ok := tree[name]
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return nil, fmt.Errorf("mavlink: field %s: %w", name, err)
		}
	}
	return msg, nil
}

func setField(fv reflect.Value, raw any) error {
	switch fv.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		fv.SetString(s)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(raw)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
		return nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, err := toFloat64(raw)
		if err != nil {
			return err
		}
		fv.SetUint(uint64(f))
		return nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, err := toFloat64(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(f))
		return nil
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
}

// toFloat64 coerces the numeric types a Tree's values arrive as (raw Go
// numeric types from ToStructured, or float64 from JSON/Lua interop) into
// a float64 for final conversion.
func toFloat64(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

// FieldEquals compares a Tree field against an expected value, using
// absolute-tolerance comparison for floats per spec.md §3.
func FieldEquals(tree Tree, field string, expected any, epsilon float64) bool {
	actual, ok := tree[field]
	if !ok {
		return false
	}
	switch exp := expected.(type) {
	case float64:
		af, err := toFloat64(actual)
		if err != nil {
			return false
		}
		diff := af - exp
		if diff < 0 {
			diff = -diff
		}
		return diff < epsilon
	case string:
		as, ok := actual.(string)
		return ok && as == exp
	case bool:
		ab, ok := actual.(bool)
		return ok && ab == exp
	case Tree:
		at, ok := actual.(Tree)
		if !ok {
			return false
		}
		if len(at) != len(exp) {
			return false
		}
		for k, v := range exp {
			if !FieldEquals(at, k, v, epsilon) {
				return false
			}
		}
		return true
	default:
		af, err := toFloat64(actual)
		if err == nil {
			ef, err2 := toFloat64(expected)
			if err2 == nil {
				return af == ef
			}
		}
		return reflect.DeepEqual(actual, expected)
	}
}
