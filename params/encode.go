package params

import (
	"net/url"
	"strings"
)

// componentReplacer turns url.QueryEscape output into encodeURIComponent
// output: spaces as %20 and !'()* left literal.
var componentReplacer = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// Escape percent-encodes s, leaving A-Z a-z 0-9 - _ . ! ~ * ' ( ) literal.
func Escape(s string) string {
	return componentReplacer.Replace(url.QueryEscape(s))
}

// Encode serializes f as k=v pairs joined by "&", sorted by key.
func Encode(f Flat) string {
	var b strings.Builder
	for i, k := range f.Keys() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(Escape(k))
		b.WriteByte('=')
		b.WriteString(Escape(f[k]))
	}
	return b.String()
}
