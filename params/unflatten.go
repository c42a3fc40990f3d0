package params

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// maxIndex bounds numeric tokens treated as sequence indices. Larger numbers
// are used as map keys so a crafted key cannot force a huge allocation.
const maxIndex = 1000

type pair struct {
	key, value string
}

// Unflatten rebuilds a tree from flat keys. Keys are applied in ascending
// order. A digits-only token creates or extends a *Seq at that position and
// any other token a *Map; when a position already holds a value of a
// different shape the incoming key is dropped. Leaves become String values.
func Unflatten(flat Flat, style ArrayStyle) *Map {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]pair, len(keys))
	for i, k := range keys {
		pairs[i] = pair{key: k, value: flat[k]}
	}
	return build(pairs, style)
}

// ParseQuery parses a k=v&k=v string into a tree, applying pairs in input
// order. An empty input yields an empty map. If any pair lacks "=" or fails
// to decode, the whole parse yields an empty map.
func ParseQuery(raw string, style ArrayStyle) *Map {
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return NewMap()
	}

	var pairs []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return NewMap()
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return NewMap()
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return NewMap()
		}
		pairs = append(pairs, pair{key: key, value: val})
	}
	return build(pairs, style)
}

func build(pairs []pair, style ArrayStyle) *Map {
	root := NewMap()
	for _, p := range pairs {
		insert(root, tokenize(p.key, style), String(p.value))
	}
	return root
}

func insert(root *Map, tokens []string, leaf Value) {
	var cur Value = root
	for i, tok := range tokens[:len(tokens)-1] {
		existing, ok := child(cur, tok)
		wantSeq := isIndex(tokens[i+1])
		switch {
		case !ok:
			var next Value = NewMap()
			if wantSeq {
				next = NewSeq()
			}
			setChild(cur, tok, next)
			cur = next
		case wantSeq:
			s, isSeq := existing.(*Seq)
			if !isSeq {
				return
			}
			cur = s
		default:
			m, isMap := existing.(*Map)
			if !isMap {
				return
			}
			cur = m
		}
	}

	last := tokens[len(tokens)-1]
	if existing, ok := child(cur, last); ok {
		switch existing.(type) {
		case *Map, *Seq:
			return
		}
	}
	setChild(cur, last, leaf)
}

func child(c Value, tok string) (Value, bool) {
	switch n := c.(type) {
	case *Map:
		return n.Get(tok)
	case *Seq:
		i, _ := strconv.Atoi(tok)
		if i < n.Len() {
			return n.items[i], true
		}
	}
	return nil, false
}

func setChild(c Value, tok string, v Value) {
	switch n := c.(type) {
	case *Map:
		n.Set(tok, v)
	case *Seq:
		i, _ := strconv.Atoi(tok)
		n.Set(i, v)
	}
}

func isIndex(tok string) bool {
	if tok == "" || len(tok) > 4 {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	n, _ := strconv.Atoi(tok)
	return n <= maxIndex
}

func tokenize(key string, style ArrayStyle) []string {
	segs := strings.Split(key, ".")
	if style != Bracket {
		return segs
	}
	var out []string
	for _, seg := range segs {
		out = append(out, bracketTokens(seg)...)
	}
	return out
}

// bracketTokens splits "a[0][1]" into a, 0, 1. A segment whose brackets are
// not all digit groups is returned whole.
func bracketTokens(seg string) []string {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return []string{seg}
	}

	var toks []string
	if open > 0 {
		toks = append(toks, seg[:open])
	}
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return []string{seg}
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return []string{seg}
		}
		idx := rest[1:end]
		if !isIndex(idx) {
			return []string{seg}
		}
		toks = append(toks, idx)
		rest = rest[end+1:]
	}
	return toks
}
