package expr

import (
	"encoding/json"
	"math"
	"reflect"
)

// number is the normalised form of every numeric Go type a row may carry.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return n.i
}

// toNumber accepts Go numeric kinds and json.Number. Booleans and strings are
// never coerced.
func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{i: int64(n)}, true
	case int8:
		return number{i: int64(n)}, true
	case int16:
		return number{i: int64(n)}, true
	case int32:
		return number{i: int64(n)}, true
	case int64:
		return number{i: n}, true
	case uint:
		return fromUint64(uint64(n)), true
	case uint8:
		return number{i: int64(n)}, true
	case uint16:
		return number{i: int64(n)}, true
	case uint32:
		return number{i: int64(n)}, true
	case uint64:
		return fromUint64(n), true
	case float32:
		return number{f: float64(n), isFloat: true}, true
	case float64:
		return number{f: n, isFloat: true}, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{i: i}, true
		}
		if f, err := n.Float64(); err == nil {
			return number{f: f, isFloat: true}, true
		}
	}
	return number{}, false
}

// fromUint64 keeps values past the int64 range on the float path.
func fromUint64(n uint64) number {
	if n > math.MaxInt64 {
		return number{f: float64(n), isFloat: true}
	}
	return number{i: int64(n)}
}

// asMap views string-keyed maps, including named map types, as map[string]any.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	}
	if n, ok := toNumber(v); ok {
		if n.isFloat {
			return "float"
		}
		return "int"
	}
	if _, ok := v.([]any); ok {
		return "list"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return "map"
	case reflect.Slice, reflect.Array:
		return "list"
	}
	return rv.Type().String()
}
