// Package ble drives one BLE device through a proxy: connect with cache-mode
// learning, the services-discovery recovery ladder, and notification listener
// discipline. All sessions for one DeviceKey funnel through the registry's
// global connect gate; overlapping connects make the proxy answer with
// "Connection request ignored" and ESP-IDF GATT_BUSY spirals.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"smartbed-bridge/internal/faults"
	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/proxy"
)

const (
	connectAttemptTimeout = 12 * time.Second
	slowConnectThreshold  = 8 * time.Second
	forceWithoutCacheFor  = 15 * time.Minute
	hardFailureCooldown   = 3 * time.Second
	mtuZeroCooldown       = 2 * time.Second
	cleanupPause          = 250 * time.Millisecond
	emptyServicesPause    = 400 * time.Millisecond
	cacheClearPause       = 600 * time.Millisecond
)

// Link is the slice of the proxy link surface a session needs. *proxy.Link
// implements it.
type Link interface {
	Host() string
	DeviceConnect(ctx context.Context, addr uint64, addrType proxy.AddressType, opts proxy.ConnectOptions) (*proxy.ConnectResult, error)
	DeviceDisconnect(ctx context.Context, addr uint64) error
	DeviceClearCache(ctx context.Context, addr uint64) error
	ListServices(ctx context.Context, addr uint64) ([]proxy.Service, error)
	WriteChar(ctx context.Context, addr uint64, handle uint16, data []byte, withResponse bool) error
	ReadChar(ctx context.Context, addr uint64, handle uint16) ([]byte, error)
	SubscribeNotify(ctx context.Context, addr uint64, handle uint16) error
	OnNotification(fn func(*proxy.Notification)) func()
	OnDisconnection(fn func(*proxy.Disconnection)) func()
	SubscribeLogs(ctx context.Context, listener func(*proxy.LogLine)) (func(), error)
}

// ConnectOutcome describes how a connect finished.
type ConnectOutcome struct {
	Connected    bool
	MTU          uint16
	MTUValid     bool
	WithoutCache bool
	Duration     time.Duration
}

// Diagnostics is the per-session snapshot surfaced on the health topics and
// the web API.
type Diagnostics struct {
	DeviceKey              string    `json:"deviceKey"`
	ProxyHost              string    `json:"proxyHost"`
	MAC                    string    `json:"mac"`
	AddressType            string    `json:"addressType"`
	UsedWithoutCache       bool      `json:"usedWithoutCache"`
	MTU                    uint16    `json:"mtu"`
	ErrorCode              uint16    `json:"errorCode"`
	IgnoredConnects        int       `json:"ignoredConnects"`
	CooldownUntil          time.Time `json:"cooldownUntil,omitempty"`
	ForceWithoutCacheUntil time.Time `json:"forceWithoutCacheUntil,omitempty"`
	ConnectDurationMs      int64     `json:"connectDurationMs"`
	LastConnectedAt        time.Time `json:"lastConnectedAt,omitempty"`
	LastError              string    `json:"lastError,omitempty"`
	LastDisconnectReason   string    `json:"lastDisconnectReason,omitempty"`
	Connected              bool      `json:"connected"`
}

// Session is the per-(proxy, device) BLE session.
type Session struct {
	key      DeviceKey
	addrType proxy.AddressType
	link     Link
	reg      *Registry
	prefs    *prefs.ConnectPrefs
	logger   *slog.Logger

	mu             sync.Mutex
	connected      bool
	services       []proxy.Service
	notifyUnsubs   map[uint16]func()
	discUnsub      func()
	emptyProbeDone bool
	diag           Diagnostics
}

// NewSession creates and registers a session, evicting any predecessor for
// the same key so its listeners cannot leak into this one.
func NewSession(reg *Registry, link Link, address uint64, addrType proxy.AddressType, connectPrefs *prefs.ConnectPrefs, logger *slog.Logger) *Session {
	key := DeviceKey{ProxyHost: link.Host(), Address: address}
	s := &Session{
		key:          key,
		addrType:     addrType,
		link:         link,
		reg:          reg,
		prefs:        connectPrefs,
		logger:       logger.With("component", "ble", "device", key.String()),
		notifyUnsubs: make(map[uint16]func()),
	}
	s.diag.DeviceKey = key.String()
	s.diag.ProxyHost = key.ProxyHost
	s.diag.MAC = proxy.FormatMAC(address)
	s.diag.AddressType = addrType.String()

	s.discUnsub = link.OnDisconnection(func(d *proxy.Disconnection) {
		if d.Address != s.key.Address {
			return
		}
		// Only the flag and the cache react here. Reconnecting on an
		// asynchronous event races the user-initiated connect path.
		s.mu.Lock()
		s.connected = false
		s.services = nil
		s.diag.LastDisconnectReason = d.Reason
		s.mu.Unlock()
		s.logger.Debug("device disconnected", "reason", d.Reason)
	})

	reg.register(s)
	return s
}

// Key returns the session's device key.
func (s *Session) Key() DeviceKey { return s.key }

// MAC returns the device address formatted as a MAC.
func (s *Session) MAC() string { return proxy.FormatMAC(s.key.Address) }

// Connected reports the last known connection flag.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Diagnostics returns a copy of the session's diagnostics snapshot.
func (s *Session) Diagnostics() Diagnostics {
	s.mu.Lock()
	d := s.diag
	d.Connected = s.connected
	s.mu.Unlock()
	d.CooldownUntil = s.reg.cooldownDeadline(s.key)
	d.ForceWithoutCacheUntil = s.reg.forceWithoutCacheDeadline(s.key)
	return d
}

// Connect brings the GATT connection up, funneling through the registry's
// per-key flight so concurrent callers share one attempt.
func (s *Session) Connect(ctx context.Context) error {
	flight, owner := s.reg.beginConnect(s.key)
	if !owner {
		select {
		case <-flight.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if flight.err != nil {
			return flight.err
		}
		s.applyOutcome(flight.res)
		return nil
	}

	res, err := s.doConnect(ctx)
	if err == nil {
		s.applyOutcome(res)
	} else {
		s.mu.Lock()
		s.diag.LastError = err.Error()
		s.mu.Unlock()
	}
	s.reg.finishConnect(s.key, flight, res, err)
	return err
}

func (s *Session) applyOutcome(res *ConnectOutcome) {
	if res == nil {
		return
	}
	s.mu.Lock()
	s.connected = res.Connected
	s.diag.UsedWithoutCache = res.WithoutCache
	s.diag.MTU = res.MTU
	s.diag.ConnectDurationMs = res.Duration.Milliseconds()
	s.diag.LastConnectedAt = time.Now()
	s.diag.LastError = ""
	s.mu.Unlock()
}

func (s *Session) doConnect(ctx context.Context) (*ConnectOutcome, error) {
	if d := s.reg.Cooldown(s.key); d > 0 {
		s.logger.Debug("connect cooldown", "wait", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stored := s.prefs.WithoutCache(s.key.ProxyHost, s.key.Address)
	withoutCache := stored || s.reg.ForceWithoutCache(s.key)

	start := time.Now()
	res, err := s.attempt(ctx, withoutCache)
	if err != nil {
		if faults.Is(err, faults.KindProxyIgnored) {
			s.reg.SetForceWithoutCache(s.key, forceWithoutCacheFor)
		}
		s.cleanupAttempt(ctx)
		withoutCache = !withoutCache
		res, err = s.attempt(ctx, withoutCache)
	}
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	res.WithoutCache = withoutCache
	res.Duration = duration

	if withoutCache != stored {
		if perr := s.prefs.SetWithoutCache(s.key.ProxyHost, s.key.Address, withoutCache); perr != nil {
			s.logger.Warn("persist connect preference", "err", perr)
		}
	}
	s.reg.ClearCooldown(s.key)

	if duration > slowConnectThreshold {
		s.logger.Warn("slow connect, forcing without-cache", "duration", duration)
		s.reg.SetForceWithoutCache(s.key, forceWithoutCacheFor)
	}
	// mtu == 0 reported by the proxy (as opposed to not reported at all)
	// correlates with ESP32 status=133 on the following attempts.
	if res.MTUValid && res.MTU == 0 {
		s.reg.SetCooldown(s.key, mtuZeroCooldown)
	}
	return res, nil
}

// attempt issues one connect request, raced against the proxy's own log
// stream for the device so hopeless attempts abort before the 12 s timeout.
func (s *Session) attempt(ctx context.Context, withoutCache bool) (*ConnectOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, connectAttemptTimeout)
	defer cancel()

	type sideOutcome struct {
		established bool
		err         error
	}
	sideCh := make(chan sideOutcome, 1)
	mac := s.MAC()

	logUnsub, logErr := s.link.SubscribeLogs(attemptCtx, func(l *proxy.LogLine) {
		if !strings.Contains(l.Line, mac) {
			return
		}
		switch {
		case strings.Contains(l.Line, "Connection request ignored, state: ESTABLISHED"):
			select {
			case sideCh <- sideOutcome{established: true}:
			default:
			}
		case strings.Contains(l.Line, "Connection request ignored"):
			select {
			case sideCh <- sideOutcome{err: faults.New(faults.KindProxyIgnored, "proxy ignored connect for %s: %s", mac, l.Line)}:
			default:
			}
		case strings.Contains(l.Line, "status=133") || strings.Contains(l.Line, "reason 0x100"):
			select {
			case sideCh <- sideOutcome{err: faults.New(faults.KindHardFailure, "hard failure for %s: %s", mac, l.Line)}:
			default:
			}
		}
	})
	if logErr != nil {
		// Without the side channel the race degrades to timeout-only
		// behavior, which is acceptable.
		s.logger.Debug("proxy log subscription unavailable", "err", logErr)
	} else {
		defer logUnsub()
	}

	type connectResult struct {
		res *proxy.ConnectResult
		err error
	}
	resCh := make(chan connectResult, 1)
	go func() {
		res, err := s.link.DeviceConnect(attemptCtx, s.key.Address, s.addrType, proxy.ConnectOptions{WithoutCache: withoutCache})
		resCh <- connectResult{res, err}
	}()

	select {
	case side := <-sideCh:
		if side.established {
			// The proxy already holds the connection; the pending request
			// will be ignored.
			return &ConnectOutcome{Connected: true}, nil
		}
		if faults.Is(side.err, faults.KindHardFailure) {
			s.reg.SetCooldown(s.key, hardFailureCooldown)
		}
		if faults.Is(side.err, faults.KindProxyIgnored) {
			s.mu.Lock()
			s.diag.IgnoredConnects++
			s.mu.Unlock()
		}
		return nil, side.err

	case r := <-resCh:
		if r.err != nil {
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				return nil, faults.New(faults.KindBLETimeout, "connect to %s timeout", mac)
			}
			return nil, r.err
		}
		if !r.res.Connected {
			s.mu.Lock()
			s.diag.ErrorCode = r.res.ErrorCode
			s.mu.Unlock()
			return nil, fmt.Errorf("connect to %s failed, gatt error %d", mac, r.res.ErrorCode)
		}
		return &ConnectOutcome{Connected: true, MTU: r.res.MTU, MTUValid: r.res.MTUValid}, nil

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.New(faults.KindBLETimeout, "connect to %s timeout", mac)
	}
}

// gatedAttempt runs one fixed-mode connect attempt through the registry's
// per-key flight, for callers that must not race a concurrent Connect.
func (s *Session) gatedAttempt(ctx context.Context, withoutCache bool) error {
	flight, owner := s.reg.beginConnect(s.key)
	if !owner {
		select {
		case <-flight.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if flight.err != nil {
			return flight.err
		}
		s.applyOutcome(flight.res)
		return nil
	}

	res, err := s.attempt(ctx, withoutCache)
	if err == nil {
		res.WithoutCache = withoutCache
		s.applyOutcome(res)
	}
	s.reg.finishConnect(s.key, flight, res, err)
	return err
}

// cleanupAttempt clears proxy-side state between the two cache-mode attempts.
func (s *Session) cleanupAttempt(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.link.DeviceDisconnect(cleanupCtx, s.key.Address); err != nil {
		s.logger.Debug("cleanup disconnect", "err", err)
	}
	if err := s.link.DeviceClearCache(cleanupCtx, s.key.Address); err != nil {
		s.logger.Debug("cleanup clear cache", "err", err)
	}
	select {
	case <-time.After(cleanupPause):
	case <-ctx.Done():
	}
}

// Services returns the device's GATT services, running the recovery ladder
// when the list comes back empty or the request times out. The first
// successful non-empty list is cached until a disconnect event clears it.
func (s *Session) Services(ctx context.Context) ([]proxy.Service, error) {
	s.mu.Lock()
	if len(s.services) > 0 {
		cached := s.services
		s.mu.Unlock()
		return cached, nil
	}
	probeDone := s.emptyProbeDone
	s.mu.Unlock()

	list, err := s.link.ListServices(ctx, s.key.Address)
	if err == nil && len(list) > 0 {
		s.cacheServices(list)
		return list, nil
	}

	if err != nil {
		if !faults.IsBLETimeout(err) {
			return nil, err
		}
		// A timed-out services request leaves the proxy's GATT client
		// wedged; only a cache clear plus cache-less reconnect recovers it.
		list, rerr := s.recoverServices(ctx)
		if rerr != nil {
			return nil, faults.Wrap(faults.KindBLETimeout, "services discovery", rerr)
		}
		return list, nil
	}

	// Empty list: one quick retry, then one cache-clear probe per session.
	select {
	case <-time.After(emptyServicesPause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	list, err = s.link.ListServices(ctx, s.key.Address)
	if err == nil && len(list) > 0 {
		s.cacheServices(list)
		return list, nil
	}
	if err != nil && !faults.IsBLETimeout(err) {
		return nil, err
	}

	if probeDone {
		return nil, faults.New(faults.KindBLETimeout, "services still empty for %s", s.MAC())
	}
	s.mu.Lock()
	s.emptyProbeDone = true
	s.mu.Unlock()

	list, err = s.recoverServices(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindBLETimeout, "services discovery", err)
	}
	return list, nil
}

// recoverServices runs the cache-clear leg of the ladder: clear, disconnect,
// reconnect without cache, settle, retry. Recovery persists the without-cache
// preference.
func (s *Session) recoverServices(ctx context.Context) ([]proxy.Service, error) {
	if err := s.link.DeviceClearCache(ctx, s.key.Address); err != nil {
		s.logger.Debug("clear cache", "err", err)
	}
	if err := s.link.DeviceDisconnect(ctx, s.key.Address); err != nil {
		s.logger.Debug("disconnect", "err", err)
	}
	s.mu.Lock()
	s.connected = false
	s.services = nil
	s.mu.Unlock()

	if err := s.gatedAttempt(ctx, true); err != nil {
		return nil, err
	}

	select {
	case <-time.After(cacheClearPause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	list, err := s.link.ListServices(ctx, s.key.Address)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("services still empty for %s after cache clear", s.MAC())
	}

	if perr := s.prefs.SetWithoutCache(s.key.ProxyHost, s.key.Address, true); perr != nil {
		s.logger.Warn("persist connect preference", "err", perr)
	}
	s.cacheServices(list)
	return list, nil
}

func (s *Session) cacheServices(list []proxy.Service) {
	s.mu.Lock()
	s.services = list
	s.mu.Unlock()
}

// Write writes a characteristic, recording the outcome in the diagnostics.
func (s *Session) Write(ctx context.Context, handle uint16, data []byte, withResponse bool) error {
	err := s.link.WriteChar(ctx, s.key.Address, handle, data, withResponse)
	if err != nil {
		s.mu.Lock()
		s.diag.LastError = err.Error()
		s.mu.Unlock()
	}
	return err
}

// Read reads a characteristic.
func (s *Session) Read(ctx context.Context, handle uint16) ([]byte, error) {
	return s.link.ReadChar(ctx, s.key.Address, handle)
}

// Subscribe enables notifications on a handle. A prior listener for the same
// handle is deregistered first, so re-subscription is idempotent.
func (s *Session) Subscribe(ctx context.Context, handle uint16, fn func(data []byte)) error {
	s.mu.Lock()
	if prev, ok := s.notifyUnsubs[handle]; ok {
		prev()
		delete(s.notifyUnsubs, handle)
	}
	s.mu.Unlock()

	unsub := s.link.OnNotification(func(n *proxy.Notification) {
		if n.Address == s.key.Address && n.Handle == handle {
			fn(n.Data)
		}
	})
	if err := s.link.SubscribeNotify(ctx, s.key.Address, handle); err != nil {
		unsub()
		return err
	}

	s.mu.Lock()
	s.notifyUnsubs[handle] = unsub
	s.mu.Unlock()
	return nil
}

// Disconnect drops the GATT connection and clears the services cache.
func (s *Session) Disconnect(ctx context.Context) error {
	err := s.link.DeviceDisconnect(ctx, s.key.Address)
	s.mu.Lock()
	s.connected = false
	s.services = nil
	s.mu.Unlock()
	return err
}

// Cleanup revokes every listener this session registered and removes it from
// the registry. Safe to call more than once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	unsubs := make([]func(), 0, len(s.notifyUnsubs)+1)
	for _, u := range s.notifyUnsubs {
		unsubs = append(unsubs, u)
	}
	s.notifyUnsubs = make(map[uint16]func())
	if s.discUnsub != nil {
		unsubs = append(unsubs, s.discUnsub)
		s.discUnsub = nil
	}
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.reg.unregister(s)
}
