package capi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/qcloud-go/capi/internal/transport"
)

// APIError is an error reported inside a 2xx response body, either in the v2
// envelope ({"code": 4100, "message": ..., "codeDesc": ...}) or in the v3
// envelope ({"Response": {"Error": {...}, "RequestId": ...}}).
type APIError struct {
	Action    string
	Code      string
	CodeDesc  string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "capi: %s failed: code %s", e.Action, e.Code)
	if e.CodeDesc != "" {
		fmt.Fprintf(&b, " (%s)", e.CodeDesc)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request %s]", e.RequestID)
	}
	return b.String()
}

// Is lets errors.Is match the sentinels below.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.isAuthFailure()
	case ErrRateLimited:
		return e.Code == "RequestLimitExceeded" || e.CodeDesc == "RequestLimitExceeded"
	}
	return false
}

func (e *APIError) isAuthFailure() bool {
	if strings.HasPrefix(e.Code, "AuthFailure") || strings.HasPrefix(e.CodeDesc, "AuthFailure") {
		return true
	}
	n, err := strconv.Atoi(e.Code)
	return err == nil && n >= 4100 && n < 4200
}

// HTTPError is returned for non-2xx HTTP responses.
type HTTPError = transport.APIError

// Sentinel errors.
var (
	ErrAuthFailure = errors.New("capi: authentication failed")
	ErrRateLimited = errors.New("capi: rate limited")
)

// IsRetryable returns true if the error is transient and the request can be retried.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errors.Is(apiErr, ErrRateLimited) || apiErr.Code == "InternalError"
	}
	return false
}
