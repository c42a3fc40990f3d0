package capi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/params"
)

const testUnix = 1700000000

func pinned() []Option {
	return []Option{
		WithCredential("AKID", "k"),
		WithRegion("ap-guangzhou"),
		WithServiceType(ServiceCVM),
		WithClock(func() time.Time { return time.Unix(testUnix, 0) }),
		WithNonceSource(func() int { return 42 }),
	}
}

func newTestClient(t *testing.T, extra ...Option) *Client {
	t.Helper()
	c, err := NewClient(append(pinned(), extra...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func describe() *params.Map {
	return params.NewMap().
		SetString("Action", "DescribeInstances").
		Set("InstanceIds", params.Strings("ins-1", "ins-2"))
}

// verifyingServer checks every request's signature against the public host
// before handing it to handler.
func verifyingServer(t *testing.T, handler func(w http.ResponseWriter, v *signing.Verified)) *httptest.Server {
	t.Helper()
	verifier := signing.NewVerifier(signing.StaticSecrets(map[string]string{"AKID": "k"}),
		signing.WithVerifierClock(func() time.Time { return time.Unix(testUnix, 0) }))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.RawQuery
		if r.Method != http.MethodGet {
			if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
				t.Errorf("unexpected content type %q", ct)
			}
			b, _ := io.ReadAll(r.Body)
			raw = string(b)
		}
		v, err := verifier.Verify(r.Method, "cvm.api.qcloud.com", r.URL.Path, raw)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":4100,"message":"` + err.Error() + `","codeDesc":"AuthFailure"}`))
			return
		}
		handler(w, v)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestSignsAndDecodes(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodGet} {
		t.Run(method, func(t *testing.T) {
			srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
				if v.Action != "DescribeInstances" {
					t.Errorf("action = %q", v.Action)
				}
				_, _ = w.Write([]byte(`{"code":0,"totalCount":2,"instanceSet":[{"id":"ins-1"}]}`))
			})
			c := newTestClient(t, WithBaseURL(srv.URL), WithMethod(method))

			resp, err := c.Request(context.Background(), describe())
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if resp["totalCount"] != json.Number("2") {
				t.Fatalf("totalCount = %#v", resp["totalCount"])
			}
		})
	}
}

func TestRequestSHA256(t *testing.T) {
	srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
		sm, _ := v.Params.Get(ParamSignatureMethod)
		if params.Render(sm) != "HmacSHA256" {
			t.Errorf("SignatureMethod = %q", params.Render(sm))
		}
		_, _ = w.Write([]byte(`{"code":0}`))
	})
	c := newTestClient(t, WithBaseURL(srv.URL), WithSignatureMethod(HmacSHA256))

	if _, err := c.Request(context.Background(), describe()); err != nil {
		t.Fatalf("request: %v", err)
	}
}

func TestDoTyped(t *testing.T) {
	srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
		_, _ = w.Write([]byte(`{"Response":{"TotalCount":1,"InstanceSet":[{"InstanceId":"ins-1"}],"RequestId":"r-1"}}`))
	})
	c := newTestClient(t, WithBaseURL(srv.URL))

	type describeResponse struct {
		Response struct {
			TotalCount  int `json:"TotalCount"`
			InstanceSet []struct {
				InstanceID string `json:"InstanceId"`
			} `json:"InstanceSet"`
			RequestID string `json:"RequestId"`
		} `json:"Response"`
	}

	p := describe().SetString(ParamVersion, "2017-03-12")
	got, err := Do[describeResponse](context.Background(), c, p)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if got.Response.TotalCount != 1 || got.Response.InstanceSet[0].InstanceID != "ins-1" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  string
		wantReqID string
		auth      bool
		limited   bool
	}{
		{
			name:     "v2 auth failure",
			body:     `{"code":4100,"message":"bad signature","codeDesc":"AuthFailure"}`,
			wantCode: "4100",
			auth:     true,
		},
		{
			name:     "v2 string code",
			body:     `{"code":"5100","message":"oops","codeDesc":"InternalError"}`,
			wantCode: "5100",
		},
		{
			name:      "v3 error",
			body:      `{"Response":{"Error":{"Code":"AuthFailure.SignatureFailure","Message":"nope"},"RequestId":"r-9"}}`,
			wantCode:  "AuthFailure.SignatureFailure",
			wantReqID: "r-9",
			auth:      true,
		},
		{
			name:      "v3 rate limit",
			body:      `{"Response":{"Error":{"Code":"RequestLimitExceeded","Message":"slow down"},"RequestId":"r-2"}}`,
			wantCode:  "RequestLimitExceeded",
			wantReqID: "r-2",
			limited:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, WithBaseURL(srv.URL))

			_, err := c.Request(context.Background(), describe())
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode || apiErr.RequestID != tt.wantReqID {
				t.Fatalf("unexpected error fields: %+v", apiErr)
			}
			if apiErr.Action != "DescribeInstances" {
				t.Fatalf("action = %q", apiErr.Action)
			}
			if errors.Is(err, ErrAuthFailure) != tt.auth {
				t.Fatalf("errors.Is(ErrAuthFailure) = %v, want %v", !tt.auth, tt.auth)
			}
			if IsRetryable(err) != tt.limited {
				t.Fatalf("IsRetryable = %v, want %v", !tt.limited, tt.limited)
			}
		})
	}
}

func TestHTTPErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithMaxRetries(0))
	_, err := c.Request(context.Background(), describe())

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("502 should be retryable")
	}
}

func TestGenerateQueryStringGolden(t *testing.T) {
	c := newTestClient(t, WithMethod("GET"))

	got, err := c.GenerateQueryString(describe())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := "Action=DescribeInstances&InstanceIds.0=ins-1&InstanceIds.1=ins-2&Nonce=42&Region=ap-guangzhou" +
		"&RequestClient=SDK_GO_1.0&SecretId=AKID&Signature=S86%2Bnt%2Fs%2F6SIEaJnTABuc6OhK2g%3D&Timestamp=1700000000"
	if got != want {
		t.Fatalf("query mismatch\n  got:  %s\n  want: %s", got, want)
	}
}

func TestGenerateURL(t *testing.T) {
	c := newTestClient(t)

	if got := c.GenerateURL(); got != "https://cvm.api.qcloud.com/v2/index.php" {
		t.Fatalf("GenerateURL() = %s", got)
	}
	if got := c.GenerateURL(WithCallServiceType(ServiceCDB), WithCallProtocol("http")); got != "http://cdb.api.qcloud.com/v2/index.php" {
		t.Fatalf("GenerateURL(cdb, http) = %s", got)
	}
	if got := c.GenerateURL(WithCallHost("example.com"), WithCallPath("/x")); got != "https://example.com/x" {
		t.Fatalf("GenerateURL(host, path) = %s", got)
	}
}

func TestSignedURLMatchesGETSignature(t *testing.T) {
	c := newTestClient(t)

	u, err := c.SignedURL(describe(), WithCallProtocol("wss"))
	if err != nil {
		t.Fatalf("signed url: %v", err)
	}
	if !strings.HasPrefix(u, "wss://cvm.api.qcloud.com/v2/index.php?Action=DescribeInstances&") {
		t.Fatalf("unexpected url %s", u)
	}
	if !strings.Contains(u, "Signature=S86%2Bnt%2Fs%2F6SIEaJnTABuc6OhK2g%3D") {
		t.Fatalf("signed URL should use the GET signature: %s", u)
	}
}

func TestCircularParamsRejectedBeforeSending(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	self := params.NewMap()
	self.Set("loop", self)
	p := describe().Set("Filter", self)

	c := newTestClient(t, WithBaseURL(srv.URL))
	if _, err := c.Request(context.Background(), p); !errors.Is(err, params.ErrCircularReference) {
		t.Fatalf("expected circular reference error, got %v", err)
	}
	if _, err := c.GenerateQueryString(p); !errors.Is(err, params.ErrCircularReference) {
		t.Fatalf("expected circular reference error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no request, got %d", calls)
	}
}

func TestDefaultsAndCallOverrides(t *testing.T) {
	srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
		zone, _ := v.Params.Get("Zone")
		limit, _ := v.Params.Get("Limit")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":  0,
			"zone":  params.Render(zone),
			"limit": params.Render(limit),
		})
	})
	defaults := params.NewMap().SetString("Zone", "ap-guangzhou-3").SetString("Limit", "20")
	c := newTestClient(t, WithBaseURL(srv.URL), WithDefaults(defaults))

	resp, err := c.Request(context.Background(), describe().Set("Limit", params.Int(100)), WithCallMethod("GET"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["zone"] != "ap-guangzhou-3" || resp["limit"] != "100" {
		t.Fatalf("unexpected merge result: %v", resp)
	}
}

func TestMetricsRecorded(t *testing.T) {
	srv := verifyingServer(t, func(w http.ResponseWriter, v *signing.Verified) {
		_, _ = w.Write([]byte(`{"code":0}`))
	})
	reg := prometheus.NewRegistry()
	c := newTestClient(t, WithBaseURL(srv.URL), WithMetrics(reg))

	if _, err := c.Request(context.Background(), describe()); err != nil {
		t.Fatalf("request: %v", err)
	}
	n, err := testutil.GatherAndCount(reg, "capi_client_requests_total")
	if err != nil || n != 1 {
		t.Fatalf("expected one request series, got %d (%v)", n, err)
	}
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	if _, err := NewClient(WithBaseURL("not a url")); err == nil {
		t.Fatal("expected error for base URL without scheme")
	}
}

func TestParseSignatureMethod(t *testing.T) {
	alg, err := ParseSignatureMethod("TC2-HmacSHA256")
	if err != nil || alg != HmacSHA256 {
		t.Fatalf("ParseSignatureMethod = %v, %v", alg, err)
	}
	if _, err := ParseSignatureMethod("md5"); err == nil {
		t.Fatal("expected error for md5")
	}
}

func TestSignedURLFuncResigns(t *testing.T) {
	ts := int64(testUnix)
	c := newTestClient(t, WithClock(func() time.Time {
		ts++
		return time.Unix(ts, 0)
	}))

	next := c.SignedURLFunc(describe(), WithCallProtocol("wss"))
	first, err := next()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := next()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Fatal("each call should carry a fresh timestamp and signature")
	}
}
