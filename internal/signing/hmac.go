package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm is the HMAC hash family used for request signatures.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// ParseAlgorithm accepts "sha1"/"sha256" as well as the SignatureMethod
// spellings HmacSHA1/HmacSHA256/TC2-HmacSHA256. Empty input means SHA1.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "", "sha1", strings.ToLower(MethodHmacSHA1):
		return SHA1, nil
	case "sha256", strings.ToLower(MethodHmacSHA256), strings.ToLower(MethodTC2HmacSHA256):
		return SHA256, nil
	}
	return "", fmt.Errorf("signing: unsupported signature method %q (want sha1 or sha256)", s)
}

// AlgorithmFor returns the algorithm implied by a SignatureMethod value.
func AlgorithmFor(signatureMethod string) Algorithm {
	switch signatureMethod {
	case MethodHmacSHA256, MethodTC2HmacSHA256:
		return SHA256
	}
	return SHA1
}

func (a Algorithm) hash() func() hash.Hash {
	if a == SHA256 {
		return sha256.New
	}
	return sha1.New
}

// StringToSign builds UPPER(method) + host + path + "?" + query.
func StringToSign(method, host, path, query string) string {
	return strings.ToUpper(method) + host + path + "?" + query
}

// Sign computes the base64-encoded HMAC of the string to sign, keyed by
// secretKey. An empty key is used as-is.
//
// Parameters:
//   - method: HTTP method, upper-cased before signing
//   - host: target host without scheme, e.g. "cvm.api.qcloud.com"
//   - path: request path, e.g. "/v2/index.php"
//   - query: canonical query string (or its payload digest form)
//   - secretKey: shared secret
//   - alg: SHA1 (default) or SHA256
func Sign(method, host, path, query, secretKey string, alg Algorithm) string {
	mac := hmac.New(alg.hash(), []byte(secretKey))
	mac.Write([]byte(StringToSign(method, host, path, query)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// PayloadDigest returns "\n" + hex(sha256(query)), the form signed under
// TC2-HmacSHA256 in place of the literal query.
func PayloadDigest(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "\n" + hex.EncodeToString(sum[:])
}
