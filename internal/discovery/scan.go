package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/proxy"
)

const scanWindow = 30 * time.Second

// Target is one bed's matching input: a stable key plus its identifier set.
type Target struct {
	Key         string
	Identifiers []string
}

// Scanner watches the advertisement streams of every proxy link and groups
// matches by target.
type Scanner struct {
	links  []*proxy.Link
	bus    *events.Bus
	logger *slog.Logger

	// Window override for tests.
	window time.Duration
}

// NewScanner creates a scanner over the given links.
func NewScanner(links []*proxy.Link, bus *events.Bus, logger *slog.Logger) *Scanner {
	return &Scanner{
		links:  links,
		bus:    bus,
		logger: logger.With("component", "discovery"),
		window: scanWindow,
	}
}

type scanState struct {
	mu        sync.Mutex
	seen      map[string]struct{} // "<host>/<addr>" de-dup within the window
	total     int                 // advertisements delivered, pre-dedup
	remaining map[string]map[string]struct{}
	matches   map[string][]Candidate
	done      chan struct{}
	closed    bool
}

// Scan runs one scan cycle: subscribe on every link, match advertisements
// against the targets, finish early when every identifier is consumed. If the
// window elapses with zero advertisements across all links, it performs one
// full link reconnect and scans once more; a second silent window is returned
// to the caller's retry loop rather than healed again.
func (s *Scanner) Scan(ctx context.Context, targets []Target) (map[string][]Candidate, error) {
	matches, total, err := s.scanOnce(ctx, targets)
	if err != nil {
		return nil, err
	}
	if total > 0 {
		return matches, nil
	}

	s.logger.Warn("Scan timed out with 0 advertisements seen", "links", len(s.links))
	for _, l := range s.links {
		if err := l.Reconnect(ctx); err != nil {
			s.logger.Warn("proxy reconnect during scan heal", "host", l.Host(), "err", err)
		}
	}
	matches, _, err = s.scanOnce(ctx, targets)
	return matches, err
}

func (s *Scanner) scanOnce(ctx context.Context, targets []Target) (map[string][]Candidate, int, error) {
	st := &scanState{
		seen:      make(map[string]struct{}),
		remaining: make(map[string]map[string]struct{}),
		matches:   make(map[string][]Candidate),
		done:      make(chan struct{}),
	}
	for _, t := range targets {
		ids := make(map[string]struct{}, len(t.Identifiers))
		for _, id := range t.Identifiers {
			ids[id] = struct{}{}
		}
		st.remaining[t.Key] = ids
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.window)
	defer cancel()

	var unsubs []func()
	for _, link := range s.links {
		link := link
		unsub, err := link.SubscribeAdvertisements(scanCtx, func(adv *proxy.Advertisement) {
			s.handleAdvertisement(st, link, targets, adv)
		})
		if err != nil {
			s.logger.Warn("subscribe advertisements", "host", link.Host(), "err", err)
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for i, link := range s.links {
			if i < len(unsubs) {
				unsubs[i]()
			}
			unsubCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			if err := link.UnsubscribeAdvertisements(unsubCtx); err != nil {
				s.logger.Debug("unsubscribe advertisements", "host", link.Host(), "err", err)
			}
			c()
		}
	}()

	select {
	case <-st.done:
	case <-scanCtx.Done():
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if ctx.Err() != nil {
		return nil, st.total, ctx.Err()
	}
	return st.matches, st.total, nil
}

func (s *Scanner) handleAdvertisement(st *scanState, link *proxy.Link, targets []Target, adv *proxy.Advertisement) {
	// Unnamed advertisements are accepted; the MAC stands in as the name.
	name := strings.ToLower(adv.Name)
	mac := nonHexRe.ReplaceAllString(strings.ToLower(adv.MAC()), "")
	if name == "" {
		name = mac
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.total++

	dedupKey := link.Host() + "/" + adv.MAC()
	if _, dup := st.seen[dedupKey]; dup {
		return
	}
	st.seen[dedupKey] = struct{}{}

	if s.bus != nil {
		s.bus.Publish(events.Advertisement{
			Proxy: link.Host(),
			Name:  adv.Name,
			MAC:   adv.MAC(),
			RSSI:  adv.RSSI,
		})
	}

	for _, t := range targets {
		matched := MatchedIdentifiers(name, mac, t.Identifiers)
		if len(matched) == 0 {
			continue
		}
		st.matches[t.Key] = append(st.matches[t.Key], Candidate{
			Adv:        adv,
			Link:       link,
			MatchedIDs: matched,
		})
		// Consume every identifier this advertisement satisfied, not just
		// the first; otherwise completion never fires despite discovery
		// being logically done.
		for _, id := range matched {
			delete(st.remaining[t.Key], id)
		}
	}

	for _, ids := range st.remaining {
		if len(ids) > 0 {
			return
		}
	}
	if !st.closed {
		st.closed = true
		close(st.done)
	}
}
