package ws

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

type subscription struct {
	key     string
	payload []byte
}

// Subscribe sends v and remembers it under key so it is sent again after
// every reconnect. A second Subscribe with the same key replaces the first.
func (s *Stream) Subscribe(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshalling subscription: %w", err)
	}

	s.subsMu.Lock()
	replaced := false
	for i := range s.subs {
		if s.subs[i].key == key {
			s.subs[i].payload = data
			replaced = true
			break
		}
	}
	if !replaced {
		s.subs = append(s.subs, subscription{key: key, payload: data})
	}
	s.subsMu.Unlock()

	return s.write(websocket.TextMessage, data)
}

// Unsubscribe sends v and stops replaying the subscription stored under key.
func (s *Stream) Unsubscribe(key string, v any) error {
	if err := s.Send(v); err != nil {
		return err
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	filtered := s.subs[:0]
	for _, sub := range s.subs {
		if sub.key != key {
			filtered = append(filtered, sub)
		}
	}
	s.subs = filtered
	return nil
}

// resubscribe sends all tracked subscriptions (after reconnect).
func (s *Stream) resubscribe() {
	s.subsMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if err := s.write(websocket.TextMessage, sub.payload); err != nil {
			return
		}
	}
}
