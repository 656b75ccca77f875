package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"smartbed-bridge/internal/faults"
)

const (
	openTimeout      = 30 * time.Second
	readinessTimeout = 5 * time.Second
)

// LinkState is the life-cycle state of a proxy link.
type LinkState int

const (
	StateDialing LinkState = iota
	StateAuthorizing
	StateReady
	StateDegraded
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is one authorized proxy API session. Only a Ready link accepts BLE
// operations; every operation first awaits readiness with a bounded wait so
// callers fail fast with ApiNotReady instead of hanging through a drop.
type Link struct {
	cfg    ClientConfig
	client *Client
	logger *slog.Logger

	mu    sync.Mutex
	state LinkState
}

// Open dials and authorizes one proxy session. It completes only after the
// transport connect, the authorization, and the BLE-proxy feature probe have
// all been observed, bounded by a 30 s hard timeout. A link that fails to
// open has its socket closed and its listeners cleared before Open returns,
// so the proxy's single-subscriber slot is released for the next attempt.
func Open(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Link, error) {
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	l := &Link{
		cfg:    cfg,
		client: NewClient(cfg, logger),
		logger: logger.With("component", "proxy-link", "host", cfg.Host),
		state:  StateDialing,
	}
	l.client.SetStateHandler(func(ready bool) {
		l.mu.Lock()
		switch {
		case l.state == StateClosed:
		case ready:
			l.state = StateReady
		default:
			l.state = StateDegraded
		}
		l.mu.Unlock()
	})

	l.setState(StateAuthorizing)
	if err := l.client.Connect(openCtx); err != nil {
		l.client.Close()
		l.setState(StateClosed)
		return nil, err
	}
	l.setState(StateReady)
	return l, nil
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// State returns the current link state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// cli returns the current client under the state lock; Reconnect may swap it.
func (l *Link) cli() *Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

// Host returns the proxy host this link is bound to.
func (l *Link) Host() string { return l.cfg.Host }

// ServerName returns the name the proxy presented during the handshake.
func (l *Link) ServerName() string { return l.cli().ServerName() }

// Close tears the session down permanently.
func (l *Link) Close() {
	c := l.cli()
	l.setState(StateClosed)
	c.Close()
}

// Reconnect tears down the current session and opens a fresh one with the
// same configuration. Used by the silent-scan heal when the socket is up but
// no data flows. Listeners registered on the old session are gone afterwards.
func (l *Link) Reconnect(ctx context.Context) error {
	l.cli().Close()
	l.setState(StateDialing)

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	c := NewClient(l.cfg, l.logger)
	c.SetStateHandler(func(ready bool) {
		l.mu.Lock()
		switch {
		case l.state == StateClosed:
		case ready:
			l.state = StateReady
		default:
			l.state = StateDegraded
		}
		l.mu.Unlock()
	})

	l.setState(StateAuthorizing)
	if err := c.Connect(openCtx); err != nil {
		c.Close()
		l.setState(StateDegraded)
		return err
	}

	l.mu.Lock()
	l.client = c
	l.state = StateReady
	l.mu.Unlock()
	return nil
}

// awaitReady gates an operation on session readiness with the bounded wait.
func (l *Link) awaitReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	return l.cli().AwaitReady(readyCtx)
}

// SubscribeAdvertisements starts the advertisement stream and registers
// listener. The returned function revokes the listener; the stream itself is
// stopped with UnsubscribeAdvertisements.
func (l *Link) SubscribeAdvertisements(ctx context.Context, listener func(*Advertisement)) (func(), error) {
	if err := l.awaitReady(ctx); err != nil {
		return nil, err
	}
	unsub := l.cli().OnAdvertisement(listener)
	l.cli().wantAdv.Store(true)
	if _, err := l.cli().request(ctx, msgSubscribeAdv, nil); err != nil {
		unsub()
		l.cli().wantAdv.Store(false)
		return nil, err
	}
	return unsub, nil
}

// UnsubscribeAdvertisements stops the advertisement stream.
func (l *Link) UnsubscribeAdvertisements(ctx context.Context) error {
	l.cli().wantAdv.Store(false)
	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	_, err := l.cli().request(ctx, msgUnsubscribeAdv, nil)
	return err
}

// ConnectOptions selects the connect variant.
type ConnectOptions struct {
	WithoutCache bool
}

// DeviceConnect asks the proxy to connect to a BLE device. The request always
// carries the address type; the proxy supports cached and cache-less variants.
func (l *Link) DeviceConnect(ctx context.Context, addr uint64, addrType AddressType, opts ConnectOptions) (*ConnectResult, error) {
	if err := l.awaitReady(ctx); err != nil {
		return nil, err
	}
	var w wireWriter
	w.u64(addr)
	w.u8(uint8(addrType))
	w.bool(opts.WithoutCache)
	resp, err := l.cli().request(ctx, msgDeviceConnect, w.bytes())
	if err != nil {
		return nil, err
	}
	return decodeConnectResult(resp.Payload)
}

// DeviceDisconnect asks the proxy to drop its GATT connection to addr.
func (l *Link) DeviceDisconnect(ctx context.Context, addr uint64) error {
	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	var w wireWriter
	w.u64(addr)
	_, err := l.cli().request(ctx, msgDeviceDisconnect, w.bytes())
	return err
}

// DeviceClearCache clears the proxy's GATT cache for addr.
func (l *Link) DeviceClearCache(ctx context.Context, addr uint64) error {
	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	var w wireWriter
	w.u64(addr)
	_, err := l.cli().request(ctx, msgClearCache, w.bytes())
	return err
}

// ListServices returns the GATT services of a connected device.
func (l *Link) ListServices(ctx context.Context, addr uint64) ([]Service, error) {
	if err := l.awaitReady(ctx); err != nil {
		return nil, err
	}
	var w wireWriter
	w.u64(addr)
	resp, err := l.cli().request(ctx, msgListServices, w.bytes())
	if err != nil {
		return nil, err
	}
	return decodeServices(resp.Payload)
}

// WriteChar writes bytes to a characteristic handle.
func (l *Link) WriteChar(ctx context.Context, addr uint64, handle uint16, data []byte, withResponse bool) error {
	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	var w wireWriter
	w.u64(addr)
	w.u16(handle)
	w.bool(withResponse)
	w.blob(data)
	resp, err := l.cli().request(ctx, msgWriteChar, w.bytes())
	if err != nil {
		return err
	}
	status, err := decodeStatusResponse(resp.Payload)
	if err != nil {
		return err
	}
	if !status.OK {
		return fmt.Errorf("write char 0x%04X on %s: %s", handle, FormatMAC(addr), status.Message)
	}
	return nil
}

// ReadChar reads a characteristic handle.
func (l *Link) ReadChar(ctx context.Context, addr uint64, handle uint16) ([]byte, error) {
	if err := l.awaitReady(ctx); err != nil {
		return nil, err
	}
	var w wireWriter
	w.u64(addr)
	w.u16(handle)
	resp, err := l.cli().request(ctx, msgReadChar, w.bytes())
	if err != nil {
		return nil, err
	}
	r := &wireReader{b: resp.Payload}
	data := r.blob()
	if r.err != nil {
		return nil, fmt.Errorf("read char: %w", r.err)
	}
	return data, nil
}

// SubscribeNotify enables notifications for a handle. Delivery goes through
// OnNotification listeners.
func (l *Link) SubscribeNotify(ctx context.Context, addr uint64, handle uint16) error {
	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	var w wireWriter
	w.u64(addr)
	w.u16(handle)
	_, err := l.cli().request(ctx, msgSubscribeNotify, w.bytes())
	return err
}

// OnNotification registers a notification listener; returns unsubscribe.
func (l *Link) OnNotification(fn func(*Notification)) func() {
	return l.cli().OnNotification(fn)
}

// OnDisconnection registers a device-disconnected listener; returns unsubscribe.
func (l *Link) OnDisconnection(fn func(*Disconnection)) func() {
	return l.cli().OnDisconnection(fn)
}

// SubscribeLogs starts the proxy's own log stream and registers listener.
// Used to abort hopeless connects early; degraded behavior without it is
// timeout-only, which is acceptable.
func (l *Link) SubscribeLogs(ctx context.Context, listener func(*LogLine)) (func(), error) {
	if err := l.awaitReady(ctx); err != nil {
		return nil, err
	}
	unsub := l.cli().OnLogLine(listener)
	l.cli().wantLogs.Store(true)
	var w wireWriter
	w.u8(3)
	if _, err := l.cli().request(ctx, msgSubscribeLogs, w.bytes()); err != nil {
		unsub()
		l.cli().wantLogs.Store(false)
		return nil, err
	}
	return unsub, nil
}

var nameMismatchRe = regexp.MustCompile(`[Ss]erver name mismatch, expected (\S+), got (\S+)`)

// ParseNameMismatch extracts the presented server name from a mismatch error.
// The retry layer pins the expected name to the presented one so encrypted
// sessions still verify against a name on the next attempt.
func ParseNameMismatch(err error) (got string, ok bool) {
	if err == nil {
		return "", false
	}
	m := nameMismatchRe.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[2], true
}

// IsNotReady reports whether err is the readiness-gate expiry.
func IsNotReady(err error) bool {
	return faults.Is(err, faults.KindAPINotReady)
}
