package signing

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/qcloud-go/capi/params"
)

// Defaults applied by New when the corresponding Config field is empty.
const (
	DefaultBaseHost  = "api.qcloud.com"
	DefaultPath      = "/v2/index.php"
	DefaultMethod    = http.MethodPost
	DefaultProtocol  = "https"
	DefaultClientTag = "SDK_GO_1.0"

	// MaxNonce is the largest nonce the default source produces.
	MaxNonce = 65535

	formContentType = "application/x-www-form-urlencoded"
)

// Config holds the credentials and request defaults of a Signer.
type Config struct {
	SecretID    string
	SecretKey   string
	Region      string
	ServiceType string
	BaseHost    string
	Path        string
	Method      string
	Protocol    string
	Algorithm   Algorithm
	ClientTag   string

	// Defaults are custom query parameters with the lowest precedence.
	Defaults *params.Map
}

// CallOptions override Config for a single call. Zero fields fall back to
// the Config value.
type CallOptions struct {
	Host        string
	ServiceType string
	Path        string
	Method      string
	Protocol    string
	Algorithm   Algorithm
}

// SignedRequest is a signed call ready for a transport. For GET the signed
// query is part of URL; otherwise it is Body.
type SignedRequest struct {
	URL         string
	Method      string
	Body        string
	ContentType string
}

// Signer builds and signs canonical requests. It is immutable after New and
// safe for concurrent use.
type Signer struct {
	cfg   Config
	now   func() time.Time
	nonce func() int
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces the clock used for Timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithNonce replaces the Nonce source. It must be safe for concurrent use.
func WithNonce(fn func() int) Option {
	return func(s *Signer) { s.nonce = fn }
}

// New returns a Signer for cfg. Defaults is copied so later changes to the
// caller's map do not affect the signer.
func New(cfg Config, opts ...Option) *Signer {
	if cfg.BaseHost == "" {
		cfg.BaseHost = DefaultBaseHost
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = SHA1
	}
	if cfg.ClientTag == "" {
		cfg.ClientTag = DefaultClientTag
	}
	if cfg.Defaults != nil {
		cfg.Defaults = cfg.Defaults.Clone()
	}

	s := &Signer{
		cfg:   cfg,
		now:   time.Now,
		nonce: func() int { return rand.IntN(MaxNonce + 1) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns a copy of the signer's configuration.
func (s *Signer) Config() Config {
	cfg := s.cfg
	if cfg.Defaults != nil {
		cfg.Defaults = cfg.Defaults.Clone()
	}
	return cfg
}

type target struct {
	method   string
	host     string
	path     string
	protocol string
	alg      Algorithm
}

func (s *Signer) resolve(call CallOptions) target {
	t := target{
		method:   s.cfg.Method,
		path:     s.cfg.Path,
		protocol: s.cfg.Protocol,
		alg:      s.cfg.Algorithm,
	}
	if call.Method != "" {
		t.method = strings.ToUpper(call.Method)
	}
	if call.Path != "" {
		t.path = call.Path
	}
	if call.Protocol != "" {
		t.protocol = call.Protocol
	}
	if call.Algorithm != "" {
		t.alg = call.Algorithm
	}

	switch {
	case call.Host != "":
		t.host = call.Host
	case call.ServiceType != "":
		t.host = call.ServiceType + "." + s.cfg.BaseHost
	case s.cfg.ServiceType != "":
		t.host = s.cfg.ServiceType + "." + s.cfg.BaseHost
	default:
		t.host = s.cfg.BaseHost
	}
	return t
}

// Host returns the host a call with these options is signed for.
func (s *Signer) Host(call CallOptions) string {
	return s.resolve(call).host
}

// URL returns protocol://host/path for a call, without a query.
func (s *Signer) URL(call CallOptions) string {
	t := s.resolve(call)
	return t.protocol + "://" + t.host + t.path
}

// merge layers Config.Defaults < common auth fields < user parameters.
func (s *Signer) merge(user *params.Map) *params.Map {
	common := params.NewMap()
	if s.cfg.Region != "" {
		common.SetString(FieldRegion, s.cfg.Region)
	}
	common.SetString(FieldSecretID, s.cfg.SecretID)
	common.Set(FieldTimestamp, params.Int(s.now().Unix()))
	common.Set(FieldNonce, params.Int(int64(s.nonce())))
	common.SetString(FieldRequestClient, s.cfg.ClientTag)
	return params.Merge(s.cfg.Defaults, common, user)
}

// CanonicalQueryString merges user parameters with the common fields,
// flattens them and returns the canonical request together with the flat
// parameters it was built from.
func (s *Signer) CanonicalQueryString(user *params.Map, call CallOptions) (CanonicalRequest, params.Flat, error) {
	t := s.resolve(call)

	merged := s.merge(user)
	if t.alg == SHA256 && !merged.Has(FieldSignatureMethod) {
		merged.SetString(FieldSignatureMethod, MethodHmacSHA256)
	}
	v3 := merged.Has(FieldVersion)

	flat, err := params.Flatten(merged, params.Dot)
	if err != nil {
		return CanonicalRequest{}, nil, fmt.Errorf("signing: flattening parameters: %w", err)
	}

	return CanonicalRequest{
		Method:    t.method,
		Host:      t.host,
		Path:      t.path,
		Query:     canonicalQuery(flat, t.method, v3, t.alg),
		Algorithm: t.alg,
	}, flat, nil
}

// SignedQueryString returns the URL-encoded parameters with Signature added.
func (s *Signer) SignedQueryString(user *params.Map, call CallOptions) (string, error) {
	cr, flat, err := s.CanonicalQueryString(user, call)
	if err != nil {
		return "", err
	}
	flat[FieldSignature] = Sign(cr.Method, cr.Host, cr.Path, cr.Query, s.cfg.SecretKey, cr.Algorithm)
	delete(flat, "")
	return params.Encode(flat), nil
}

// SignRequest signs user parameters and shapes the result for the method:
// GET carries the signed query in the URL, other methods in a form body.
func (s *Signer) SignRequest(user *params.Map, call CallOptions) (SignedRequest, error) {
	t := s.resolve(call)
	query, err := s.SignedQueryString(user, call)
	if err != nil {
		return SignedRequest{}, err
	}

	base := t.protocol + "://" + t.host + t.path
	if t.method == http.MethodGet {
		return SignedRequest{URL: base + "?" + query, Method: t.method}, nil
	}
	return SignedRequest{
		URL:         base,
		Method:      t.method,
		Body:        query,
		ContentType: formContentType,
	}, nil
}
