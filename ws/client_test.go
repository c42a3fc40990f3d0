package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/params"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

// streamServer verifies the handshake signature, then echoes frames. When
// dropAfter is positive it closes each connection after that many frames.
type streamServer struct {
	*httptest.Server
	handshakes atomic.Int32
	mu         sync.Mutex
	received   []string
}

func newStreamServer(t *testing.T, dropAfter int) *streamServer {
	t.Helper()
	verifier := signing.NewVerifier(signing.StaticSecrets(map[string]string{"AKID": "k"}))
	upgrader := websocket.Upgrader{}
	s := &streamServer{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := verifier.Verify(r.Method, r.Host, r.URL.Path, r.URL.RawQuery); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.handshakes.Add(1)

		for n := 0; dropAfter <= 0 || n < dropAfter; n++ {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(msg))
			s.mu.Unlock()
			if err := conn.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m == msg {
			n++
		}
	}
	return n
}

func signedSource(t *testing.T, srv *httptest.Server) URLSource {
	t.Helper()
	signer := signing.New(signing.Config{SecretID: "AKID", SecretKey: "k"})
	host := strings.TrimPrefix(srv.URL, "http://")
	call := signing.CallOptions{Host: host, Path: "/stream", Method: http.MethodGet, Protocol: "ws"}
	return func() (string, error) {
		p := params.NewMap().SetString("Action", "Subscribe")
		q, err := signer.SignedQueryString(p, call)
		if err != nil {
			return "", err
		}
		return signer.URL(call) + "?" + q, nil
	}
}

func receive(t *testing.T, s *Stream) string {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return ""
}

func TestDialSignedAndEcho(t *testing.T) {
	srv := newStreamServer(t, 0)
	src := signedSource(t, srv.Server)
	url, err := src()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	s, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	if err := s.Send(map[string]string{"op": "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := receive(t, s); got != `{"op":"ping"}` {
		t.Fatalf("unexpected echo %q", got)
	}

	if err := s.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	if got := receive(t, s); got != "\x01\x02\x03" {
		t.Fatalf("unexpected binary echo %q", got)
	}
}

func TestDialRejectsBadSignature(t *testing.T) {
	srv := newStreamServer(t, 0)
	url, err := signedSource(t, srv.Server)()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	url = strings.Replace(url, "Action=Subscribe", "Action=Other", 1)

	_, err = Dial(context.Background(), url)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 dial error, got %v", err)
	}
}

func TestReconnectResignsAndResubscribes(t *testing.T) {
	srv := newStreamServer(t, 2)
	src := signedSource(t, srv.Server)
	var signed atomic.Int32
	counting := func() (string, error) {
		signed.Add(1)
		return src()
	}

	url, err := src()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	s, err := Dial(context.Background(), url,
		WithURLSource(counting),
		WithBackoff(time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	if err := s.Subscribe("topic", map[string]string{"sub": "topic"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	receive(t, s)
	if err := s.Send("bye"); err != nil {
		t.Fatalf("send: %v", err)
	}
	receive(t, s)

	// The server drops the link after two frames; the stream re-signs,
	// reconnects and replays the subscription.
	waitFor(t, 2*time.Second, func() bool { return srv.count(`{"sub":"topic"}`) == 2 })
	if srv.handshakes.Load() != 2 {
		t.Fatalf("expected 2 handshakes, got %d", srv.handshakes.Load())
	}
	if signed.Load() < 1 {
		t.Fatal("reconnect should request a freshly signed URL")
	}
}

func TestUnsubscribeStopsReplay(t *testing.T) {
	srv := newStreamServer(t, 0)
	url, _ := signedSource(t, srv.Server)()
	s, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	if err := s.Subscribe("a", "sub-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Subscribe("a", "sub-a2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Unsubscribe("a", "unsub-a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	s.subsMu.Lock()
	n := len(s.subs)
	s.subsMu.Unlock()
	if n != 0 {
		t.Fatalf("expected no tracked subscriptions, got %d", n)
	}
}

func TestCloseClosesMessages(t *testing.T) {
	srv := newStreamServer(t, 0)
	url, _ := signedSource(t, srv.Server)()
	s, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed")
	}
	if err := s.Send("late"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNoReconnectEndsStream(t *testing.T) {
	srv := newStreamServer(t, 1)
	url, _ := signedSource(t, srv.Server)()
	s, err := Dial(context.Background(), url, WithReconnect(false))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	if err := s.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream should stop when the server drops the link")
	}
}
