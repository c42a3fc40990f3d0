package params

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ArrayStyle selects how sequence indices appear in flat keys.
type ArrayStyle int

const (
	// Dot encodes indices as path segments: a.0.b
	Dot ArrayStyle = iota
	// Bracket encodes indices in brackets: a[0].b
	Bracket
)

func (s ArrayStyle) String() string {
	switch s {
	case Dot:
		return "dot"
	case Bracket:
		return "bracket"
	default:
		return "ArrayStyle(" + strconv.Itoa(int(s)) + ")"
	}
}

// Flat maps path keys to rendered scalar values.
type Flat map[string]string

// Keys returns the keys of f in ascending byte order.
func (f Flat) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ErrCircularReference matches any *CircularReferenceError via errors.Is.
var ErrCircularReference = errors.New("params: circular reference")

// CircularReferenceError is returned when a tree contains a node that is its
// own ancestor.
type CircularReferenceError struct {
	Path string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("params: circular reference at %q", e.Path)
}

func (e *CircularReferenceError) Is(target error) bool {
	return target == ErrCircularReference
}

// Flatten walks v depth-first and returns its scalar leaves keyed by path.
// Map children are joined with "."; sequence indices follow style. Empty
// containers produce no keys, and a scalar at the root is stored under "".
func Flatten(v Value, style ArrayStyle) (Flat, error) {
	f := &flattener{
		style:     style,
		out:       make(Flat),
		ancestors: make(map[Value]struct{}),
	}
	if err := f.walk("", v); err != nil {
		return nil, err
	}
	return f.out, nil
}

type flattener struct {
	style ArrayStyle
	out   Flat
	// ancestors holds the containers on the current branch only, so a node
	// shared by two sibling branches is not mistaken for a cycle.
	ancestors map[Value]struct{}
}

func (f *flattener) walk(path string, v Value) error {
	switch n := v.(type) {
	case *Map:
		if n == nil {
			f.out[path] = ""
			return nil
		}
		if err := f.enter(path, n); err != nil {
			return err
		}
		defer delete(f.ancestors, n)
		for _, k := range n.keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if err := f.walk(child, n.vals[k]); err != nil {
				return err
			}
		}
	case *Seq:
		if n == nil {
			f.out[path] = ""
			return nil
		}
		if err := f.enter(path, n); err != nil {
			return err
		}
		defer delete(f.ancestors, n)
		for i, item := range n.items {
			if err := f.walk(f.index(path, i), item); err != nil {
				return err
			}
		}
	default:
		f.out[path] = Render(v)
	}
	return nil
}

func (f *flattener) enter(path string, n Value) error {
	if _, ok := f.ancestors[n]; ok {
		return &CircularReferenceError{Path: path}
	}
	f.ancestors[n] = struct{}{}
	return nil
}

func (f *flattener) index(path string, i int) string {
	idx := strconv.Itoa(i)
	if path == "" {
		return idx
	}
	if f.style == Bracket {
		return path + "[" + idx + "]"
	}
	return path + "." + idx
}
