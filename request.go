package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/internal/transport"
	"github.com/qcloud-go/capi/params"
)

// CallOption overrides client settings for a single call.
type CallOption func(*signing.CallOptions)

// WithCallHost signs and sends the call for host, ignoring the service type.
func WithCallHost(host string) CallOption {
	return func(o *signing.CallOptions) { o.Host = host }
}

// WithCallServiceType sets the service prefix for one call.
func WithCallServiceType(service string) CallOption {
	return func(o *signing.CallOptions) { o.ServiceType = service }
}

// WithCallPath sets the request path for one call.
func WithCallPath(path string) CallOption {
	return func(o *signing.CallOptions) { o.Path = path }
}

// WithCallMethod sets the HTTP method for one call.
func WithCallMethod(method string) CallOption {
	return func(o *signing.CallOptions) { o.Method = method }
}

// WithCallProtocol sets the URL scheme for one call, e.g. "wss".
func WithCallProtocol(protocol string) CallOption {
	return func(o *signing.CallOptions) { o.Protocol = protocol }
}

// WithCallSignatureMethod selects the HMAC hash for one call.
func WithCallSignatureMethod(alg Algorithm) CallOption {
	return func(o *signing.CallOptions) { o.Algorithm = alg }
}

func callOptions(opts []CallOption) signing.CallOptions {
	var o signing.CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Request signs p, sends it and returns the decoded response body. Errors
// reported in the response envelope come back as *APIError.
func (c *Client) Request(ctx context.Context, p *params.Map, call ...CallOption) (Response, error) {
	return Do[Response](ctx, c, p, call...)
}

// Do signs p, sends it and decodes the response body into T after checking
// the response envelope.
func Do[T any](ctx context.Context, c *Client, p *params.Map, call ...CallOption) (T, error) {
	var zero T

	action := actionOf(p)
	log := c.log.With(zap.String("action", action))
	start := time.Now()

	sr, err := c.signer.SignRequest(p, callOptions(call))
	if err != nil {
		return zero, fmt.Errorf("capi: signing %s: %w", action, err)
	}

	resp, err := c.http.Execute(ctx, sr)
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		return zero, err
	}
	body, err := transport.ParseResponse(resp)
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		return zero, err
	}

	if err := checkEnvelope(action, body); err != nil {
		log.Warn("api error", zap.Error(err))
		return zero, err
	}
	log.Debug("request done",
		zap.String("host", resp.Request.URL.Host),
		zap.Duration("latency", time.Since(start)))

	var result T
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return zero, fmt.Errorf("capi: decoding %s response: %w", action, err)
	}
	return result, nil
}

// GenerateQueryString returns the signed, URL-encoded parameters without
// sending anything.
func (c *Client) GenerateQueryString(p *params.Map, call ...CallOption) (string, error) {
	q, err := c.signer.SignedQueryString(p, callOptions(call))
	if err != nil {
		return "", fmt.Errorf("capi: signing %s: %w", actionOf(p), err)
	}
	return q, nil
}

// GenerateURL returns protocol://host/path for a call, without a query.
func (c *Client) GenerateURL(call ...CallOption) string {
	return c.signer.URL(callOptions(call))
}

// SignedURL returns a GET URL carrying the signed query, e.g. for websocket
// endpoints or presigned links.
func (c *Client) SignedURL(p *params.Map, call ...CallOption) (string, error) {
	o := callOptions(call)
	o.Method = http.MethodGet
	q, err := c.signer.SignedQueryString(p, o)
	if err != nil {
		return "", fmt.Errorf("capi: signing %s: %w", actionOf(p), err)
	}
	return c.signer.URL(o) + "?" + q, nil
}

// SignedURLFunc returns a function that signs p afresh on every call, giving
// each reconnect of a stream a new Timestamp and Nonce.
func (c *Client) SignedURLFunc(p *params.Map, call ...CallOption) func() (string, error) {
	p = p.Clone()
	return func() (string, error) {
		return c.SignedURL(p, call...)
	}
}

func actionOf(p *params.Map) string {
	if p == nil {
		return ""
	}
	if v, ok := p.Get(ParamAction); ok {
		return params.Render(v)
	}
	return ""
}

// envelope covers both response dialects.
type envelope struct {
	Code     json.RawMessage `json:"code"`
	Message  string          `json:"message"`
	CodeDesc string          `json:"codeDesc"`
	Response *struct {
		Error *struct {
			Code    string `json:"Code"`
			Message string `json:"Message"`
		} `json:"Error"`
		RequestID string `json:"RequestId"`
	} `json:"Response"`
}

// checkEnvelope returns an *APIError when body reports a failure. Bodies that
// are not JSON objects are left for the caller's decoder.
func checkEnvelope(action string, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	if env.Response != nil && env.Response.Error != nil {
		return &APIError{
			Action:    action,
			Code:      env.Response.Error.Code,
			Message:   env.Response.Error.Message,
			RequestID: env.Response.RequestID,
		}
	}

	code := strings.Trim(strings.TrimSpace(string(env.Code)), `"`)
	if code == "" || code == "0" || code == "null" {
		return nil
	}
	return &APIError{
		Action:   action,
		Code:     code,
		CodeDesc: env.CodeDesc,
		Message:  env.Message,
	}
}
