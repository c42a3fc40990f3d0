package signing

import "strings"

// Parameter names shared by the signer and the verifier.
const (
	FieldAction          = "Action"
	FieldRegion          = "Region"
	FieldSecretID        = "SecretId"
	FieldTimestamp       = "Timestamp"
	FieldNonce           = "Nonce"
	FieldRequestClient   = "RequestClient"
	FieldSignature       = "Signature"
	FieldSignatureMethod = "SignatureMethod"
	FieldVersion         = "Version"
)

// SignatureMethod values understood by the API.
const (
	MethodHmacSHA1      = "HmacSHA1"
	MethodHmacSHA256    = "HmacSHA256"
	MethodTC2HmacSHA256 = "TC2-HmacSHA256"
)

// fileSentinel marks a POST value as a file upload reference.
const fileSentinel = "@"

// RewriteKey maps a flattened path key to the form used in the canonical
// string: every "_" becomes "." except one at position 0.
func RewriteKey(key string) string {
	if strings.HasPrefix(key, "_") {
		return "_" + strings.ReplaceAll(key[1:], "_", ".")
	}
	return strings.ReplaceAll(key, "_", ".")
}
