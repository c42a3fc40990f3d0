package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/metrics"
	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/params"
)

const (
	// ParamsKey holds the verified *params.Map.
	ParamsKey = "capi_params"
	// VerifiedKey holds the *signing.Verified result.
	VerifiedKey = "capi_verified"
)

// Error codes written in the v2 response envelope.
const (
	CodeInvalidParameter = 4000
	CodeAuthFailure      = 4100
	CodeReplay           = 4110
	CodeInternal         = 5000
)

// ReplayGuard reports whether a (SecretId, Nonce, Timestamp) triple was
// already used.
type ReplayGuard interface {
	Seen(ctx context.Context, secretID, nonce, timestamp string) (bool, error)
}

// VerifyRecorder receives verification outcomes.
type VerifyRecorder interface {
	ObserveVerification(result string, d time.Duration)
}

// DefaultMaxBodyBytes caps request bodies read before verification.
const DefaultMaxBodyBytes int64 = 1 << 20

type verifyOptions struct {
	host         string
	recorder     VerifyRecorder
	maxBodyBytes int64
}

// VerifyOption configures Verify.
type VerifyOption func(*verifyOptions)

// WithHost fixes the host used in the string to sign instead of the request's
// Host header, for gateways behind a proxy or on a non-default port.
func WithHost(host string) VerifyOption {
	return func(o *verifyOptions) { o.host = host }
}

// WithMaxBodyBytes caps the body read for signature checks. Larger bodies get
// 413. A non-positive n keeps DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) VerifyOption {
	return func(o *verifyOptions) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithVerifyRecorder enables verification metrics.
func WithVerifyRecorder(r VerifyRecorder) VerifyOption {
	return func(o *verifyOptions) { o.recorder = r }
}

// Verify checks the signature of every request: the URL query for GET, the
// form body otherwise. The body is restored for downstream handlers. A nil
// guard disables replay detection.
func Verify(v *signing.Verifier, guard ReplayGuard, logger *zap.Logger, opts ...VerifyOption) gin.HandlerFunc {
	o := verifyOptions{maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		start := time.Now()
		log := LoggerFrom(c, logger)

		raw, err := rawParams(c, o.maxBodyBytes)
		if err != nil {
			log.Warn("reading request parameters", zap.Error(err))
			o.observe(metrics.ResultRejected, start)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				abort(c, http.StatusRequestEntityTooLarge, CodeInvalidParameter, "InvalidParameter.BodyTooLarge",
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
				return
			}
			abort(c, http.StatusBadRequest, CodeInvalidParameter, "InvalidParameter", "unreadable request body")
			return
		}

		host := o.host
		if host == "" {
			host = stripPort(c.Request.Host)
		}

		verified, err := v.Verify(c.Request.Method, host, c.Request.URL.Path, raw)
		if err != nil {
			log.Info("signature rejected", zap.Error(err))
			o.observe(metrics.ResultRejected, start)
			abort(c, http.StatusUnauthorized, CodeAuthFailure, authCodeDesc(err), err.Error())
			return
		}

		if guard != nil {
			seen, err := guard.Seen(c.Request.Context(), verified.SecretID, verified.Nonce, verified.Timestamp)
			if err != nil {
				log.Error("replay guard failed", zap.Error(err))
				o.observe(metrics.ResultError, start)
				abort(c, http.StatusInternalServerError, CodeInternal, "InternalError", "replay check unavailable")
				return
			}
			if seen {
				o.observe(metrics.ResultReplay, start)
				abort(c, http.StatusConflict, CodeReplay, "AuthFailure.NonceReplay", "nonce already used")
				return
			}
		}

		o.observe(metrics.ResultOK, start)
		c.Set(VerifiedKey, verified)
		c.Set(ParamsKey, verified.Params)
		c.Next()
	}
}

// ParamsFrom returns the verified parameter tree stored by Verify.
func ParamsFrom(c *gin.Context) (*params.Map, bool) {
	v, ok := c.Get(ParamsKey)
	if !ok {
		return nil, false
	}
	m, ok := v.(*params.Map)
	return m, ok
}

func (o *verifyOptions) observe(result string, start time.Time) {
	if o.recorder != nil {
		o.recorder.ObserveVerification(result, time.Since(start))
	}
}

func rawParams(c *gin.Context, limit int64) (string, error) {
	r := c.Request
	if r.Method == http.MethodGet || r.Body == nil {
		return r.URL.RawQuery, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, r.Body, limit))
	r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return string(body), nil
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func authCodeDesc(err error) string {
	switch {
	case errors.Is(err, signing.ErrMissingSignature):
		return "AuthFailure.SignatureMissing"
	case errors.Is(err, signing.ErrUnknownSecretID):
		return "AuthFailure.SecretIdNotFound"
	case errors.Is(err, signing.ErrTimestampSkew):
		return "AuthFailure.SignatureExpire"
	case errors.Is(err, signing.ErrDuplicateParameter):
		return "AuthFailure.DuplicateParameter"
	case errors.Is(err, signing.ErrSignatureMismatch):
		return "AuthFailure.SignatureFailure"
	default:
		return "AuthFailure"
	}
}

func abort(c *gin.Context, status, code int, codeDesc, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":     code,
		"codeDesc": codeDesc,
		"message":  message,
	})
}
