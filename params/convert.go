package params

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// FromAny converts decoded JSON or plain Go literals into a Value. Go maps
// are ordered by key. Cyclic map[string]any or []any input returns a
// *CircularReferenceError.
func FromAny(v any) (Value, error) {
	c := converter{ancestors: make(map[node]struct{})}
	return c.convert("", v)
}

// node identifies a map or slice on the current path. Slices sharing a
// backing array differ by length, so a prefix subslice is not its parent.
type node struct {
	ptr uintptr
	len int
}

type converter struct {
	ancestors map[node]struct{}
}

func (c *converter) convert(path string, v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Uint(uint64(x)), nil
	case uint8:
		return Uint(uint64(x)), nil
	case uint16:
		return Uint(uint64(x)), nil
	case uint32:
		return Uint(uint64(x)), nil
	case uint64:
		return Uint(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case json.Number:
		d, err := decimal.NewFromString(string(x))
		if err != nil {
			return nil, fmt.Errorf("params: invalid number %q at %q: %w", string(x), path, err)
		}
		return Decimal(d), nil
	case decimal.Decimal:
		return Decimal(x), nil
	case []string:
		return Strings(x...), nil
	case map[string]string:
		m := NewMap()
		for _, k := range sortedKeys(x) {
			m.SetString(k, x[k])
		}
		return m, nil
	case map[string]any:
		return c.convertMap(path, x)
	case []any:
		return c.convertSlice(path, x)
	default:
		return nil, fmt.Errorf("params: unsupported type %T at %q", v, path)
	}
}

func (c *converter) convertMap(path string, x map[string]any) (Value, error) {
	id := node{ptr: reflect.ValueOf(x).Pointer(), len: -1}
	if id.ptr != 0 {
		if _, ok := c.ancestors[id]; ok {
			return nil, &CircularReferenceError{Path: path}
		}
		c.ancestors[id] = struct{}{}
		defer delete(c.ancestors, id)
	}

	m := NewMap()
	for _, k := range sortedKeys(x) {
		child := k
		if path != "" {
			child = path + "." + k
		}
		v, err := c.convert(child, x[k])
		if err != nil {
			return nil, err
		}
		m.Set(k, v)
	}
	return m, nil
}

func (c *converter) convertSlice(path string, x []any) (Value, error) {
	if len(x) > 0 {
		id := node{ptr: reflect.ValueOf(x).Pointer(), len: len(x)}
		if _, ok := c.ancestors[id]; ok {
			return nil, &CircularReferenceError{Path: path}
		}
		c.ancestors[id] = struct{}{}
		defer delete(c.ancestors, id)
	}

	s := NewSeq()
	for i, item := range x {
		child := strconv.Itoa(i)
		if path != "" {
			child = path + "." + child
		}
		v, err := c.convert(child, item)
		if err != nil {
			return nil, err
		}
		s.Append(v)
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
