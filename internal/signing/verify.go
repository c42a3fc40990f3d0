package signing

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/qcloud-go/capi/params"
)

// DefaultMaxSkew is the default tolerated distance between Timestamp and
// the verifier's clock.
const DefaultMaxSkew = 5 * time.Minute

// Verification failures.
var (
	ErrMissingSignature  = errors.New("signing: missing Signature parameter")
	ErrUnknownSecretID   = errors.New("signing: unknown SecretId")
	ErrTimestampSkew     = errors.New("signing: Timestamp outside allowed window")
	ErrSignatureMismatch = errors.New("signing: signature mismatch")
	// ErrDuplicateParameter reports a key sent more than once. Only one value
	// per key is covered by the signature.
	ErrDuplicateParameter = errors.New("signing: duplicate parameter")
)

// SecretLookup resolves a SecretId to its secret key.
type SecretLookup func(secretID string) (secretKey string, ok bool)

// StaticSecrets returns a lookup over a fixed id → key map.
func StaticSecrets(secrets map[string]string) SecretLookup {
	m := make(map[string]string, len(secrets))
	for k, v := range secrets {
		m[k] = v
	}
	return func(id string) (string, bool) {
		key, ok := m[id]
		return key, ok
	}
}

// Verified describes a request whose signature matched.
type Verified struct {
	SecretID  string
	Nonce     string
	Timestamp string
	Action    string
	Params    *params.Map
}

// Verifier recomputes request signatures on the receiving side.
type Verifier struct {
	lookup  SecretLookup
	maxSkew time.Duration
	now     func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMaxSkew sets the tolerated clock distance. Zero disables the check.
func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxSkew = d }
}

// WithVerifierClock replaces the verifier's clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier resolving secrets through lookup.
func NewVerifier(lookup SecretLookup, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		lookup:  lookup,
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxSkew returns the tolerated clock distance.
func (v *Verifier) MaxSkew() time.Duration { return v.maxSkew }

// Verify checks the Signature carried in rawQuery (URL query for GET, form
// body otherwise) against the parameters, method, host and path.
func (v *Verifier) Verify(method, host, path, rawQuery string) (*Verified, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("signing: parsing query: %w", err)
	}

	for k, vs := range values {
		if len(vs) > 1 {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, k)
		}
	}

	sig := values.Get(FieldSignature)
	if sig == "" {
		return nil, ErrMissingSignature
	}

	flat := make(params.Flat, len(values))
	for k, vs := range values {
		if k == FieldSignature || len(vs) == 0 {
			continue
		}
		flat[k] = vs[0]
	}

	secretID := flat[FieldSecretID]
	secretKey, ok := v.lookup(secretID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSecretID, secretID)
	}

	if err := v.checkTimestamp(flat[FieldTimestamp]); err != nil {
		return nil, err
	}

	alg := AlgorithmFor(flat[FieldSignatureMethod])
	_, v3 := flat[FieldVersion]
	query := canonicalQuery(flat, method, v3, alg)
	want := Sign(method, host, path, query, secretKey, alg)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return nil, ErrSignatureMismatch
	}

	return &Verified{
		SecretID:  secretID,
		Nonce:     flat[FieldNonce],
		Timestamp: flat[FieldTimestamp],
		Action:    flat[FieldAction],
		Params:    params.Unflatten(flat, params.Dot),
	}, nil
}

func (v *Verifier) checkTimestamp(raw string) error {
	if v.maxSkew <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid Timestamp %q", ErrTimestampSkew, raw)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: off by %s", ErrTimestampSkew, skew)
	}
	return nil
}
