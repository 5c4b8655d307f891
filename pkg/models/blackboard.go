package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	ValueNull   ValueKind = "null"
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueList   ValueKind = "list"
	ValueMap    ValueKind = "map"
)

// Value is a blackboard entry. Exactly one payload field is meaningful,
// selected by Kind.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
	Map  map[string]Value
}

func StringValue(s string) Value  { return Value{Kind: ValueString, Str: s} }
func NumberValue(n float64) Value { return Value{Kind: ValueNumber, Num: n} }
func BoolValue(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }

// ValueOf converts a decoded JSON-like Go value into a Value.
func ValueOf(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{Kind: ValueNull}, nil
	case Value:
		return val, nil
	case string:
		return StringValue(val), nil
	case bool:
		return BoolValue(val), nil
	case float64:
		return NumberValue(val), nil
	case float32:
		return NumberValue(float64(val)), nil
	case int:
		return NumberValue(float64(val)), nil
	case int64:
		return NumberValue(float64(val)), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", val, err)
		}

		return NumberValue(f), nil
	case []any:
		list := make([]Value, 0, len(val))
		for i, item := range val {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}

			list = append(list, converted)
		}

		return Value{Kind: ValueList, List: list}, nil
	case map[string]any:
		m := make(map[string]Value, len(val))
		for key, item := range val {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", key, err)
			}

			m[key] = converted
		}

		return Value{Kind: ValueMap, Map: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported blackboard value type %T", v)
	}
}

// Interface converts v back into plain Go values.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return v.Num
	case ValueBool:
		return v.Bool
	case ValueList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}

		return out
	case ValueMap:
		out := make(map[string]any, len(v.Map))
		for key, item := range v.Map {
			out[key] = item.Interface()
		}

		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	converted, err := ValueOf(raw)
	if err != nil {
		return err
	}

	*v = converted

	return nil
}

// Blackboard is the shared key/value scratch space of a swarm.
type Blackboard map[string]Value

// Merge returns a new blackboard with other's entries layered over b.
// Nested maps merge recursively; every other variant is replaced.
func (b Blackboard) Merge(other Blackboard) Blackboard {
	out := make(Blackboard, len(b)+len(other))
	for key, value := range b {
		out[key] = value
	}

	for key, value := range other {
		existing, ok := out[key]
		if ok && existing.Kind == ValueMap && value.Kind == ValueMap {
			out[key] = Value{Kind: ValueMap, Map: Blackboard(existing.Map).Merge(value.Map)}

			continue
		}

		out[key] = value
	}

	return out
}

// Keys returns the blackboard keys sorted.
func (b Blackboard) Keys() []string {
	keys := make([]string, 0, len(b))
	for key := range b {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
