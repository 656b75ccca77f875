// Package events carries the bridge's typed event stream: advertisements
// seen, proxy link transitions, commands, write outcomes, and supervised
// restarts. Consumers pull from their own buffered subscription, so a slow
// websocket client or a busy Lua script can never stall the BLE control
// plane, and closing the subscription revokes it exactly once.
package events

import (
	"log/slog"
	"sync"
)

// Event is one bridge occurrence. Fields feeds the consumers that need a
// generic view: the websocket stream and the Lua hook tables.
type Event interface {
	Type() string
	Fields() map[string]any
}

// Advertisement is one de-duplicated BLE advertisement seen during a scan.
type Advertisement struct {
	Proxy string `json:"proxy"`
	Name  string `json:"name"`
	MAC   string `json:"mac"`
	RSSI  int8   `json:"rssi"`
}

func (Advertisement) Type() string { return "advertisement" }

func (e Advertisement) Fields() map[string]any {
	return map[string]any{"proxy": e.Proxy, "name": e.Name, "mac": e.MAC, "rssi": e.RSSI}
}

// ProxyReady marks a proxy link reaching the ready state.
type ProxyReady struct {
	Host string `json:"host"`
}

func (ProxyReady) Type() string { return "proxy_ready" }

func (e ProxyReady) Fields() map[string]any {
	return map[string]any{"host": e.Host}
}

// ProxyLost marks a proxy link dropping out of the ready state.
type ProxyLost struct {
	Host string `json:"host"`
}

func (ProxyLost) Type() string { return "proxy_lost" }

func (e ProxyLost) Fields() map[string]any {
	return map[string]any{"host": e.Host}
}

// Command is an incoming bus command routed to a bed.
type Command struct {
	Bed     string `json:"bed"`
	Command string `json:"command"`
	Payload string `json:"payload,omitempty"`
}

func (Command) Type() string { return "command" }

func (e Command) Fields() map[string]any {
	return map[string]any{"bed": e.Bed, "command": e.Command, "payload": e.Payload}
}

// WriteResult is the outcome of one completed command pipeline entry.
type WriteResult struct {
	Bed     string `json:"bed"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

func (WriteResult) Type() string { return "write_result" }

func (e WriteResult) Fields() map[string]any {
	return map[string]any{"bed": e.Bed, "command": e.Command, "error": e.Error}
}

// Restart is an accepted supervised-restart request.
type Restart struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (Restart) Type() string { return "restart" }

func (e Restart) Fields() map[string]any {
	return map[string]any{"kind": e.Kind, "reason": e.Reason}
}

// Subscription is one consumer's event stream. Receive from C; Close revokes
// the stream and closes C.
type Subscription struct {
	C <-chan Event

	c     chan Event
	types map[string]struct{}
	bus   *Bus

	mu      sync.Mutex
	closed  bool
	dropped int
}

// wants reports whether the subscription's filter accepts the event type.
func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Close revokes the subscription. Idempotent; C is closed so consumer loops
// terminate.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	// Closed under the same lock Publish sends under, so a concurrent
	// Publish can never write to a closed channel.
	close(s.c)
	s.mu.Unlock()

	s.bus.remove(s)
}

// Dropped reports how many events the subscription missed because its buffer
// was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus fans typed events out to subscriber streams.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe opens a stream with the given buffer, limited to the listed event
// types (none means every type).
func (b *Bus) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscription{
		c:   make(chan Event, buffer),
		bus: b,
	}
	s.C = s.c
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every matching subscription without
// blocking. A full buffer drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.wants(e.Type()) {
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		select {
		case s.c <- e:
			s.mu.Unlock()
		default:
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			if b.logger != nil && n%100 == 1 {
				b.logger.Warn("event subscriber falling behind", "type", e.Type(), "dropped", n)
			}
		}
	}
}
