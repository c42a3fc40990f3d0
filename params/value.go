// Package params models request parameters as a nested value tree and converts
// between that tree and the flat, path-keyed form used on the wire.
package params

import (
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Value is a node in a parameter tree. It is one of String, Number, Bool,
// Null, *Seq or *Map.
type Value interface {
	isValue()
}

// String is a string scalar.
type String string

// Bool is a boolean scalar.
type Bool bool

// Null is the absent/null scalar. It renders as the empty string.
type Null struct{}

// Number is a numeric scalar. Finite values are held as a decimal so that
// rendering never goes through float formatting; NaN and the infinities are
// tracked separately because decimal cannot represent them.
type Number struct {
	d       decimal.Decimal
	special string
}

const (
	specialNaN    = "NaN"
	specialPosInf = "Infinity"
	specialNegInf = "-Infinity"
)

func (String) isValue() {}
func (Bool) isValue()   {}
func (Null) isValue()   {}
func (Number) isValue() {}
func (*Seq) isValue()   {}
func (*Map) isValue()   {}

// Int returns an integer Number.
func Int(i int64) Number {
	return Number{d: decimal.NewFromInt(i)}
}

// Uint returns an unsigned integer Number.
func Uint(u uint64) Number {
	return Number{d: decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)}
}

// Float returns a Number for f. NaN and ±Inf are kept as special values.
func Float(f float64) Number {
	switch {
	case math.IsNaN(f):
		return Number{special: specialNaN}
	case math.IsInf(f, 1):
		return Number{special: specialPosInf}
	case math.IsInf(f, -1):
		return Number{special: specialNegInf}
	}
	return Number{d: decimal.NewFromFloat(f)}
}

// Decimal returns a Number backed by d.
func Decimal(d decimal.Decimal) Number {
	return Number{d: d}
}

// NaN returns a not-a-number Number.
func NaN() Number {
	return Number{special: specialNaN}
}

// IsNaN reports whether n is not a number.
func (n Number) IsNaN() bool { return n.special == specialNaN }

// Decimal returns the finite value of n. It is zero for NaN and ±Inf.
func (n Number) Decimal() decimal.Decimal { return n.d }

// String returns the shortest decimal form of n, or NaN/Infinity/-Infinity.
func (n Number) String() string {
	if n.special != "" {
		return n.special
	}
	return n.d.String()
}

// Render returns the wire form of a scalar: strings verbatim, booleans as
// true/false, numbers in decimal form, and Null or NaN as the empty string.
// Containers render as the empty string.
func Render(v Value) string {
	switch x := v.(type) {
	case String:
		return string(x)
	case Bool:
		return strconv.FormatBool(bool(x))
	case Number:
		if x.IsNaN() {
			return ""
		}
		return x.String()
	default:
		return ""
	}
}

// Seq is an ordered list of values.
type Seq struct {
	items []Value
}

// NewSeq returns a sequence holding items.
func NewSeq(items ...Value) *Seq {
	return &Seq{items: append([]Value(nil), items...)}
}

// Strings returns a sequence of String values.
func Strings(ss ...string) *Seq {
	s := &Seq{items: make([]Value, len(ss))}
	for i, v := range ss {
		s.items[i] = String(v)
	}
	return s
}

// Append adds values to the end of s and returns s.
func (s *Seq) Append(vs ...Value) *Seq {
	s.items = append(s.items, vs...)
	return s
}

// Set stores v at index i, growing the sequence with Null as needed.
func (s *Seq) Set(i int, v Value) *Seq {
	for len(s.items) <= i {
		s.items = append(s.items, Null{})
	}
	s.items[i] = v
	return s
}

// Len returns the number of items.
func (s *Seq) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// At returns the item at index i.
func (s *Seq) At(i int) Value { return s.items[i] }

// Items returns a copy of the items.
func (s *Seq) Items() []Value {
	if s == nil {
		return nil
	}
	return append([]Value(nil), s.items...)
}

// Map is an insertion-ordered set of unique string keys mapped to values.
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set stores v under key and returns m. Re-setting a key keeps its position.
func (m *Map) Set(key string, v Value) *Map {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// SetString is shorthand for Set(key, String(v)).
func (m *Map) SetString(key, v string) *Map {
	return m.Set(key, String(v))
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key.
func (m *Map) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Clone returns a shallow copy of m. Nested containers are shared.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.vals[k])
	}
	return out
}

// Merge returns a new map holding the keys of every layer, later layers
// overriding earlier ones. Nil layers are skipped. Inputs are not modified.
func Merge(layers ...*Map) *Map {
	out := NewMap()
	for _, l := range layers {
		if l == nil {
			continue
		}
		for _, k := range l.keys {
			out.Set(k, l.vals[k])
		}
	}
	return out
}

// Equal reports whether a and b are structurally equal. Map key order is
// ignored. Both trees must be acyclic.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case *Map:
		y, ok := b.(*Map)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for _, k := range x.Keys() {
			yv, ok := y.Get(k)
			if !ok || !Equal(x.vals[k], yv) {
				return false
			}
		}
		return true
	case *Seq:
		y, ok := b.(*Seq)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for i := range x.items {
			if !Equal(x.items[i], y.items[i]) {
				return false
			}
		}
		return true
	case Number:
		y, ok := b.(Number)
		return ok && x.special == y.special && x.d.Equal(y.d)
	case nil:
		return b == nil
	default:
		return a == b
	}
}
