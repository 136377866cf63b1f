package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueType is the type tag of a preference value. It mirrors the property
// list types a preference store can hold.
type ValueType string

const (
	ValueBool      ValueType = "bool"
	ValueInt       ValueType = "int"
	ValueFloat     ValueType = "float"
	ValueString    ValueType = "string"
	ValueBytes     ValueType = "bytes"
	ValueSequence  ValueType = "sequence"
	ValueMapping   ValueType = "mapping"
	ValueTimestamp ValueType = "timestamp"
)

// TypeOf returns the type tag of a normalized value.
func TypeOf(v any) (ValueType, error) {
	switch v.(type) {
	case bool:
		return ValueBool, nil
	case int64:
		return ValueInt, nil
	case float64:
		return ValueFloat, nil
	case string:
		return ValueString, nil
	case []byte:
		return ValueBytes, nil
	case []any:
		return ValueSequence, nil
	case map[string]any:
		return ValueMapping, nil
	case time.Time:
		return ValueTimestamp, nil
	default:
		return "", fmt.Errorf("unsupported preference value type %T", v)
	}
}

// NormalizeValue converts decoder output (yaml, toml, plist, json) into the
// canonical representation: int64, float64, []any, map[string]any, UTC time.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("preference value is nil")
	case bool, string, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintToInt(uint64(t))
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintToInt(t)
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out, nil
	case time.Time:
		return t.UTC(), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			out[ks] = n
		}
		return out, nil
	}

	// Typed slices and maps from struct-less decoders.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := NormalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("mapping keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := NormalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported preference value type %T", v)
}

func uintToInt(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

// ValuesEqual compares two preference values after normalization. Integers
// and floats compare numerically, since preference stores and config files
// disagree on whether 1 and 1.0 are the same type.
func ValuesEqual(a, b any) bool {
	na, errA := NormalizeValue(a)
	nb, errB := NormalizeValue(b)
	if errA != nil || errB != nil {
		return a == nil && b == nil
	}
	return normalizedEqual(na, nb)
}

func normalizedEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case int64:
			return x == float64(y)
		}
		return false
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !normalizedEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !normalizedEqual(xv, yv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// FormatValue renders a value compactly and deterministically.
func FormatValue(v any) string {
	var sb strings.Builder
	formatValue(&sb, v)
	return sb.String()
}

func formatValue(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("<nil>")
	case string:
		sb.WriteString(strconv.Quote(t))
	case []byte:
		sb.WriteString("<data " + base64.StdEncoding.EncodeToString(t) + ">")
	case time.Time:
		sb.WriteString(t.UTC().Format(time.RFC3339))
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteString(", ")
			}
			formatValue(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k + ": ")
			formatValue(sb, t[k])
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "%v", t)
	}
}

// taggedValue is the JSON form of a preference value. Plain JSON would lose
// the distinction between int and float, bytes and string, timestamp and
// string, so every node carries its type.
type taggedValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalValue encodes a preference value as type-tagged JSON.
func MarshalValue(v any) ([]byte, error) {
	n, err := NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	tv, err := toTagged(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tv)
}

// UnmarshalValue decodes type-tagged JSON produced by MarshalValue.
func UnmarshalValue(data []byte) (any, error) {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return fromTagged(tv)
}

func toTagged(v any) (taggedValue, error) {
	typ, err := TypeOf(v)
	if err != nil {
		return taggedValue{}, err
	}

	var payload any
	switch t := v.(type) {
	case []any:
		items := make([]taggedValue, len(t))
		for i, e := range t {
			if items[i], err = toTagged(e); err != nil {
				return taggedValue{}, err
			}
		}
		payload = items
	case map[string]any:
		fields := make(map[string]taggedValue, len(t))
		for k, e := range t {
			if fields[k], err = toTagged(e); err != nil {
				return taggedValue{}, err
			}
		}
		payload = fields
	case time.Time:
		payload = t.UTC().Format(time.RFC3339Nano)
	default:
		// []byte marshals as base64; scalars as themselves.
		payload = t
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{Type: typ, Value: raw}, nil
}

func fromTagged(tv taggedValue) (any, error) {
	switch tv.Type {
	case ValueBool:
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case ValueInt:
		var i int64
		err := json.Unmarshal(tv.Value, &i)
		return i, err
	case ValueFloat:
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case ValueString:
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case ValueBytes:
		var b []byte
		err := json.Unmarshal(tv.Value, &b)
		if b == nil {
			b = []byte{}
		}
		return b, err
	case ValueTimestamp:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case ValueSequence:
		var items []taggedValue
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, e := range items {
			v, err := fromTagged(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ValueMapping:
		var fields map[string]taggedValue
		if err := json.Unmarshal(tv.Value, &fields); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(fields))
		for k, e := range fields {
			v, err := fromTagged(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", tv.Type)
	}
}
