package capi

import "github.com/qcloud-go/capi/internal/signing"

// Response is a decoded JSON response body. Numbers are json.Number so
// large identifiers survive decoding.
type Response map[string]any

// Algorithm selects the HMAC hash used for signatures.
type Algorithm = signing.Algorithm

const (
	HmacSHA1   Algorithm = signing.SHA1
	HmacSHA256 Algorithm = signing.SHA256
)

// ParseSignatureMethod accepts "sha1", "sha256", "HmacSHA1", "HmacSHA256" and
// "TC2-HmacSHA256", case-insensitively. An empty string means HmacSHA1.
func ParseSignatureMethod(s string) (Algorithm, error) {
	return signing.ParseAlgorithm(s)
}

// Common parameter names.
const (
	ParamAction          = signing.FieldAction
	ParamRegion          = signing.FieldRegion
	ParamSecretID        = signing.FieldSecretID
	ParamTimestamp       = signing.FieldTimestamp
	ParamNonce           = signing.FieldNonce
	ParamRequestClient   = signing.FieldRequestClient
	ParamSignature       = signing.FieldSignature
	ParamSignatureMethod = signing.FieldSignatureMethod
	ParamVersion         = signing.FieldVersion
)

// TC2HmacSHA256 is the SignatureMethod value that signs a digest of the
// canonical query instead of the query itself. Use it with HmacSHA256.
const TC2HmacSHA256 = signing.MethodTC2HmacSHA256
