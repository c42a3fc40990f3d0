package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	PingInterval      = 5 * time.Second
	PongTimeout       = 15 * time.Second
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 60 * time.Second
	BackoffMultiplier = 2.0
	channelBufferSize = 256
	writeTimeout      = 10 * time.Second
)

var (
	ErrClosed       = errors.New("ws: stream closed")
	ErrNotConnected = errors.New("ws: not connected")
)

// URLSource returns a freshly signed URL. Signed URLs carry a Timestamp and
// Nonce, so every reconnect asks for a new one.
type URLSource func() (string, error)

// Stream is a websocket connection to a signed streaming endpoint. It
// reconnects with backoff, replays tracked subscriptions and keeps the link
// alive with ping frames.
type Stream struct {
	source         URLSource
	dialer         *websocket.Dialer
	header         http.Header
	pingInterval   time.Duration
	pongTimeout    time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	reconnect      bool
	log            *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	messages chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn

	// writeMu serialises all websocket writes.
	// gorilla/websocket does not support concurrent writers.
	writeMu sync.Mutex

	// Subscription tracking for reconnection
	subsMu sync.Mutex
	subs   []subscription

	closeOnce sync.Once
}

// Option configures a Stream.
type Option func(*Stream)

// WithURLSource re-signs the URL before every reconnect. Without it the
// original URL is reused, which servers that reject stale timestamps or
// repeated nonces will refuse.
func WithURLSource(src URLSource) Option {
	return func(s *Stream) { s.source = src }
}

// WithHeader adds handshake headers.
func WithHeader(h http.Header) Option {
	return func(s *Stream) { s.header = h.Clone() }
}

// WithPingInterval overrides PingInterval and PongTimeout.
func WithPingInterval(interval, pongTimeout time.Duration) Option {
	return func(s *Stream) {
		s.pingInterval = interval
		s.pongTimeout = pongTimeout
	}
}

// WithBackoff overrides InitialBackoff and MaxBackoff.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Stream) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// WithReconnect enables or disables reconnecting after the link drops.
func WithReconnect(on bool) Option {
	return func(s *Stream) { s.reconnect = on }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// Dial opens a stream to url. The first handshake happens before Dial
// returns, so authentication failures surface as errors here. ctx bounds the
// handshake only; the stream lives until Close.
func Dial(ctx context.Context, url string, opts ...Option) (*Stream, error) {
	s := &Stream{
		dialer:         websocket.DefaultDialer,
		pingInterval:   PingInterval,
		pongTimeout:    PongTimeout,
		initialBackoff: InitialBackoff,
		maxBackoff:     MaxBackoff,
		reconnect:      true,
		log:            zap.NewNop(),
		done:           make(chan struct{}),
		messages:       make(chan []byte, channelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := s.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setConn(conn)
	go s.run(conn, url)
	return s, nil
}

// Messages returns received text and binary frames. The channel is closed
// once the stream is closed or gives up reconnecting. Frames are dropped when
// the consumer falls behind by more than the buffer.
func (s *Stream) Messages() <-chan []byte {
	return s.messages
}

// Send writes v as a JSON text frame.
func (s *Stream) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshalling message: %w", err)
	}
	return s.write(websocket.TextMessage, data)
}

// SendBinary writes a binary frame.
func (s *Stream) SendBinary(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

// Done is closed after the stream has shut down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close sends a close frame, tears down the connection and waits for the
// background loop to exit.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
	})
	<-s.done
	return nil
}

func (s *Stream) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, url, s.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial returned %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	return conn, nil
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// run manages the read -> reconnect cycle. It owns the messages channel.
func (s *Stream) run(conn *websocket.Conn, lastURL string) {
	defer close(s.done)
	defer close(s.messages)

	for {
		s.serve(conn)

		s.setConn(nil)
		conn.Close()

		if s.ctx.Err() != nil || !s.reconnect {
			return
		}

		var ok bool
		conn, lastURL, ok = s.redial(lastURL)
		if !ok {
			return
		}
		s.setConn(conn)
		if s.ctx.Err() != nil {
			conn.Close()
			return
		}
		s.resubscribe()
	}
}

// redial retries until a connection is made or the stream is closed.
func (s *Stream) redial(lastURL string) (*websocket.Conn, string, bool) {
	for attempt := 1; ; attempt++ {
		s.backoff(attempt)
		if s.ctx.Err() != nil {
			return nil, "", false
		}

		url := lastURL
		if s.source != nil {
			var err error
			url, err = s.source()
			if err != nil {
				s.log.Warn("signing reconnect URL", zap.Error(err))
				continue
			}
		}
		conn, err := s.dial(s.ctx, url)
		if err != nil {
			s.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		s.log.Info("reconnected", zap.Int("attempt", attempt))
		return conn, url, true
	}
}

// serve runs the heartbeat and reads until the connection fails.
func (s *Stream) serve(conn *websocket.Conn) {
	hbCtx, hbCancel := context.WithCancel(s.ctx)
	defer hbCancel()

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	go s.heartbeatLoop(hbCtx, conn)

	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Info("stream read ended", zap.Error(err))
			}
			return
		}
		_ = extend()
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case s.messages <- message:
		default:
			s.log.Debug("dropping message for slow consumer", zap.Int("bytes", len(message)))
		}
	}
}

// heartbeatLoop sends ping frames; a missing pong lets the read deadline
// expire, which ends serve and triggers a reconnect.
func (s *Stream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) write(kind int, data []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

// backoff sleeps for an exponentially increasing duration with jitter.
func (s *Stream) backoff(attempt int) {
	delay := float64(s.initialBackoff) * math.Pow(BackoffMultiplier, float64(attempt-1))
	if delay > float64(s.maxBackoff) {
		delay = float64(s.maxBackoff)
	}
	// Jitter: [0.5, 1.5]
	jitter := 0.5 + rand.Float64()
	actual := time.Duration(delay * jitter)

	timer := time.NewTimer(actual)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
	case <-timer.C:
	}
}
