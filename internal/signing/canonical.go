package signing

import (
	"net/http"
	"strings"

	"github.com/qcloud-go/capi/params"
)

// CanonicalRequest is the per-call input to Sign.
type CanonicalRequest struct {
	Method    string
	Host      string
	Path      string
	Query     string
	Algorithm Algorithm
}

// Canonicalize renders flat parameters as the canonical query string: keys
// in ascending byte order, empty keys skipped, keys rewritten by RewriteKey.
// For POST requests outside the v3 dialect, values starting with "@" are
// file references and are left out.
func Canonicalize(flat params.Flat, method string, v3 bool) string {
	skipFiles := strings.EqualFold(method, http.MethodPost) && !v3

	var b strings.Builder
	for _, k := range flat.Keys() {
		v := flat[k]
		if skipFiles && strings.HasPrefix(v, fileSentinel) {
			continue
		}
		if k == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(RewriteKey(k))
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// canonicalQuery applies Canonicalize and, for SHA256 requests declaring
// TC2-HmacSHA256, replaces the result with its payload digest.
func canonicalQuery(flat params.Flat, method string, v3 bool, alg Algorithm) string {
	query := Canonicalize(flat, method, v3)
	if alg == SHA256 && flat[FieldSignatureMethod] == MethodTC2HmacSHA256 {
		query = PayloadDigest(query)
	}
	return query
}
