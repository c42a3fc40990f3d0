package capi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/metrics"
	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/internal/transport"
	"github.com/qcloud-go/capi/params"
)

// Client signs and sends API requests. It is safe for concurrent use.
type Client struct {
	signer *signing.Signer
	http   *transport.HTTPClient
	log    *zap.Logger
}

type clientConfig struct {
	signing    signing.Config
	signerOpts []signing.Option
	baseURL    string
	timeout    time.Duration
	maxRetries int
	registerer prometheus.Registerer
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

// WithCredential sets the SecretId and SecretKey used for signing.
func WithCredential(secretID, secretKey string) Option {
	return func(c *clientConfig) {
		c.signing.SecretID = secretID
		c.signing.SecretKey = secretKey
	}
}

// WithRegion sets the default Region parameter. An empty region omits it.
func WithRegion(region string) Option {
	return func(c *clientConfig) { c.signing.Region = region }
}

// WithServiceType sets the service prefix of the host, e.g. "cvm".
func WithServiceType(service string) Option {
	return func(c *clientConfig) { c.signing.ServiceType = service }
}

// WithBaseHost replaces DefaultBaseHost.
func WithBaseHost(host string) Option {
	return func(c *clientConfig) { c.signing.BaseHost = host }
}

// WithPath replaces DefaultPath.
func WithPath(path string) Option {
	return func(c *clientConfig) { c.signing.Path = path }
}

// WithMethod sets the default HTTP method.
func WithMethod(method string) Option {
	return func(c *clientConfig) { c.signing.Method = method }
}

// WithSignatureMethod selects the HMAC hash.
func WithSignatureMethod(alg Algorithm) Option {
	return func(c *clientConfig) { c.signing.Algorithm = alg }
}

// WithProtocol sets the URL scheme used by GenerateURL and SignedURL.
func WithProtocol(protocol string) Option {
	return func(c *clientConfig) { c.signing.Protocol = protocol }
}

// WithRequestClient replaces the RequestClient tag.
func WithRequestClient(tag string) Option {
	return func(c *clientConfig) { c.signing.ClientTag = tag }
}

// WithDefaults sets custom parameters merged under every request.
func WithDefaults(p *params.Map) Option {
	return func(c *clientConfig) { c.signing.Defaults = p }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) { c.log = l }
}

// WithBaseURL sends requests to baseURL (scheme and host) instead of the
// signed host, e.g. a proxy or a test server. Signatures still cover the
// signed host.
func WithBaseURL(baseURL string) Option {
	return func(c *clientConfig) { c.baseURL = baseURL }
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithMaxRetries sets how many times transient failures are retried.
func WithMaxRetries(n int) Option {
	return func(c *clientConfig) { c.maxRetries = n }
}

// WithMetrics registers request metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *clientConfig) { c.registerer = reg }
}

// WithClock replaces the clock used for Timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) { c.signerOpts = append(c.signerOpts, signing.WithClock(now)) }
}

// WithNonceSource replaces the Nonce generator. It must be safe for
// concurrent use.
func WithNonceSource(fn func() int) Option {
	return func(c *clientConfig) { c.signerOpts = append(c.signerOpts, signing.WithNonce(fn)) }
}

// NewClient creates a Client. It fails only when the base URL is invalid.
func NewClient(opts ...Option) (*Client, error) {
	cfg := clientConfig{maxRetries: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	httpOpts := []transport.Option{transport.WithLogger(cfg.log)}
	if cfg.timeout > 0 {
		httpOpts = append(httpOpts, transport.WithTimeout(cfg.timeout))
	}
	if cfg.maxRetries >= 0 {
		httpOpts = append(httpOpts, transport.WithMaxRetries(cfg.maxRetries))
	}
	if cfg.registerer != nil {
		httpOpts = append(httpOpts, transport.WithRecorder(metrics.NewRecorder(cfg.registerer)))
	}

	httpClient, err := transport.NewHTTPClient(cfg.baseURL, httpOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		signer: signing.New(cfg.signing, cfg.signerOpts...),
		http:   httpClient,
		log:    cfg.log,
	}, nil
}
