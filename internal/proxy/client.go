package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smartbed-bridge/internal/faults"
)

const (
	dialTimeout       = 10 * time.Second
	requestTimeout    = 10 * time.Second
	reconnectInterval = 5 * time.Second
	clientName        = "smartbed-bridge"
)

// ClientConfig describes one proxy endpoint.
type ClientConfig struct {
	Host               string
	Port               int
	Password           string
	EncryptionKey      string
	ExpectedServerName string
}

// Client is the low-level proxy API client: one TCP session, request/response
// correlation by sequence number, indication dispatch, and a built-in
// reconnect loop that heals brief drops. Callers gate on Ready before issuing
// BLE operations.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	seq atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint8]chan *frame

	handlerMu      sync.RWMutex
	nextHandlerID  uint64
	advHandlers    map[uint64]func(*Advertisement)
	logHandlers    map[uint64]func(*LogLine)
	notifyHandlers map[uint64]func(*Notification)
	discHandlers   map[uint64]func(*Disconnection)

	stateMu    sync.Mutex
	connected  bool
	authorized bool
	readyCh    chan struct{}
	serverName string
	features   uint32

	// Desired server-side subscriptions, re-issued after a reconnect.
	wantAdv  atomic.Bool
	wantLogs atomic.Bool

	onStateChange func(ready bool)

	reconnecting atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewClient creates a client for one proxy endpoint. It does not dial.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:            cfg,
		logger:         logger.With("component", "proxy", "host", cfg.Host),
		pending:        make(map[uint8]chan *frame),
		advHandlers:    make(map[uint64]func(*Advertisement)),
		logHandlers:    make(map[uint64]func(*LogLine)),
		notifyHandlers: make(map[uint64]func(*Notification)),
		discHandlers:   make(map[uint64]func(*Disconnection)),
		readyCh:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Host returns the configured proxy host.
func (c *Client) Host() string { return c.cfg.Host }

// ServerName returns the name the proxy presented in its hello response.
func (c *Client) ServerName() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.serverName
}

// Features returns the feature flags from the hello response.
func (c *Client) Features() uint32 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.features
}

// Ready reports whether the session is connected and authorized.
func (c *Client) Ready() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected && c.authorized
}

// AwaitReady blocks until the session is ready or the context expires.
func (c *Client) AwaitReady(ctx context.Context) error {
	for {
		c.stateMu.Lock()
		if c.connected && c.authorized {
			c.stateMu.Unlock()
			return nil
		}
		ch := c.readyCh
		c.stateMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return faults.New(faults.KindAPINotReady, "proxy %s: api not ready", c.cfg.Host)
		case <-c.done:
			return faults.New(faults.KindSocket, "proxy %s: client closed", c.cfg.Host)
		}
	}
}

// SetStateHandler registers the single readiness observer (the owning link).
func (c *Client) SetStateHandler(fn func(ready bool)) {
	c.stateMu.Lock()
	c.onStateChange = fn
	c.stateMu.Unlock()
}

// Connect dials and authorizes the session, then enables the reconnect loop.
// It fails on the first transport error, on missing BLE-proxy feature flags,
// and on a server-name mismatch.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		c.teardownConn()
		return err
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return faults.Wrap(faults.KindSocket, "dial "+addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(15 * time.Second)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setConnected(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.setAuthorized(true)
	c.logger.Info("proxy session ready", "server", c.ServerName())

	// Re-establish server-side subscriptions lost with the old socket.
	if c.wantAdv.Load() {
		if _, err := c.request(ctx, msgSubscribeAdv, nil); err != nil {
			c.logger.Warn("re-subscribe advertisements", "err", err)
		}
	}
	if c.wantLogs.Load() {
		var w wireWriter
		w.u8(3)
		if _, err := c.request(ctx, msgSubscribeLogs, w.bytes()); err != nil {
			c.logger.Warn("re-subscribe logs", "err", err)
		}
	}
	return nil
}

// handshake runs hello + feature probe + auth on the fresh socket.
func (c *Client) handshake(ctx context.Context) error {
	var hw wireWriter
	hw.str(clientName)
	resp, err := c.request(ctx, msgHello, hw.bytes())
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	hello, err := decodeHelloResponse(resp.Payload)
	if err != nil {
		return faults.Wrap(faults.KindSocket, "hello", err)
	}

	c.stateMu.Lock()
	c.serverName = hello.ServerName
	c.features = hello.FeatureFlags
	c.stateMu.Unlock()

	if hello.FeatureFlags&FlagBLEProxy == 0 {
		return fmt.Errorf("proxy %s does not advertise BLE proxy support (flags 0x%X)", c.cfg.Host, hello.FeatureFlags)
	}
	if want := c.cfg.ExpectedServerName; want != "" && hello.ServerName != want {
		return fmt.Errorf("server name mismatch, expected %s, got %s", want, hello.ServerName)
	}

	if c.cfg.Password != "" || c.cfg.EncryptionKey != "" {
		var aw wireWriter
		aw.str(c.cfg.Password)
		aw.str(c.cfg.EncryptionKey)
		resp, err := c.request(ctx, msgAuth, aw.bytes())
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		status, err := decodeStatusResponse(resp.Payload)
		if err != nil {
			return faults.Wrap(faults.KindSocket, "authorize", err)
		}
		if !status.OK {
			return fmt.Errorf("authorize: proxy rejected credentials: %s", status.Message)
		}
	}
	return nil
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.teardownConn()
	c.wg.Wait()
	c.ClearHandlers()
}

func (c *Client) teardownConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setAuthorized(false)
	c.setConnected(false)
	c.failPending()
}

// ClearHandlers removes every registered indication handler.
func (c *Client) ClearHandlers() {
	c.handlerMu.Lock()
	c.advHandlers = make(map[uint64]func(*Advertisement))
	c.logHandlers = make(map[uint64]func(*LogLine))
	c.notifyHandlers = make(map[uint64]func(*Notification))
	c.discHandlers = make(map[uint64]func(*Disconnection))
	c.handlerMu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.stateMu.Lock()
	changed := c.connected != v
	c.connected = v
	c.notifyStateLocked(changed)
}

func (c *Client) setAuthorized(v bool) {
	c.stateMu.Lock()
	changed := c.authorized != v
	c.authorized = v
	c.notifyStateLocked(changed)
}

// notifyStateLocked closes or replaces readyCh and fires the state handler.
// Called with stateMu held; releases it.
func (c *Client) notifyStateLocked(changed bool) {
	ready := c.connected && c.authorized
	if ready {
		select {
		case <-c.readyCh:
		default:
			close(c.readyCh)
		}
	} else {
		select {
		case <-c.readyCh:
			c.readyCh = make(chan struct{})
		default:
		}
	}
	fn := c.onStateChange
	c.stateMu.Unlock()
	if changed && fn != nil {
		fn(ready)
	}
}

// failPending wakes every in-flight request with a nil frame, which request
// maps to a socket error.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for seq, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
}

// --- request/response ---

func (c *Client) nextSeq() uint8 {
	for {
		s := uint8(c.seq.Add(1))
		if s != 0 {
			return s
		}
	}
}

// request sends one request frame and waits for the matching response.
func (c *Client) request(ctx context.Context, msgType uint8, payload []byte) (*frame, error) {
	seq := c.nextSeq()

	ch := make(chan *frame, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	raw := encodeFrame(&frame{Type: msgType, Seq: seq, Payload: payload})

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, faults.New(faults.KindSocket, "proxy %s: socket is not connected", c.cfg.Host)
	}

	c.writeMu.Lock()
	_, err := conn.Write(raw)
	c.writeMu.Unlock()
	if err != nil {
		return nil, faults.Wrap(faults.KindSocket, "write "+msgName(msgType), err)
	}
	c.logger.Debug("proxy TX", "msg", msgName(msgType), "seq", seq, "len", len(payload))

	// The internal timeout is a fallback; a caller deadline takes precedence.
	timeout := requestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl) + time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, faults.New(faults.KindSocket, "proxy %s: connection reset while waiting for %s", c.cfg.Host, msgName(msgType))
		}
		return resp, nil
	case <-timer.C:
		return nil, faults.New(faults.KindBLETimeout, "proxy %s: %s timeout", c.cfg.Host, msgName(msgType))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, faults.New(faults.KindSocket, "proxy %s: client closed", c.cfg.Host)
	}
}

// --- read loop & reconnect ---

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	reader := bufio.NewReader(conn)

	for {
		f, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !strings.Contains(err.Error(), "use of closed") {
				c.logger.Warn("proxy read error", "err", err)
			}
			c.connMu.Lock()
			stale := c.conn == conn
			c.connMu.Unlock()
			if stale {
				c.teardownConn()
				c.scheduleReconnect()
			}
			return
		}

		c.logger.Debug("proxy RX", "msg", msgName(f.Type), "seq", f.Seq, "len", len(f.Payload))

		if f.Type&respBit != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.Seq]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			} else {
				c.logger.Warn("proxy orphaned response", "msg", msgName(f.Type), "seq", f.Seq)
			}
			continue
		}

		c.handleIndication(f)
	}
}

// scheduleReconnect starts the built-in reconnect loop unless one is running.
func (c *Client) scheduleReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		for {
			select {
			case <-time.After(reconnectInterval):
			case <-c.done:
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout+requestTimeout)
			err := c.connectOnce(ctx)
			cancel()
			if err == nil {
				c.logger.Info("proxy session re-established")
				return
			}
			c.teardownConn()
			c.logger.Warn("proxy reconnect failed", "err", err)
		}
	}()
}

func (c *Client) handleIndication(f *frame) {
	switch f.Type {
	case msgAdvertisementInd:
		adv, err := decodeAdvertisement(f.Payload)
		if err != nil {
			c.logger.Warn("proxy advertisement decode", "err", err)
			return
		}
		c.handlerMu.RLock()
		handlers := make([]func(*Advertisement), 0, len(c.advHandlers))
		for _, h := range c.advHandlers {
			handlers = append(handlers, h)
		}
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(adv)
		}

	case msgLogInd:
		line, err := decodeLogLine(f.Payload)
		if err != nil {
			c.logger.Warn("proxy log decode", "err", err)
			return
		}
		c.handlerMu.RLock()
		handlers := make([]func(*LogLine), 0, len(c.logHandlers))
		for _, h := range c.logHandlers {
			handlers = append(handlers, h)
		}
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(line)
		}

	case msgNotifyInd:
		n, err := decodeNotification(f.Payload)
		if err != nil {
			c.logger.Warn("proxy notify decode", "err", err)
			return
		}
		c.handlerMu.RLock()
		handlers := make([]func(*Notification), 0, len(c.notifyHandlers))
		for _, h := range c.notifyHandlers {
			handlers = append(handlers, h)
		}
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(n)
		}

	case msgDisconnectedInd:
		d, err := decodeDisconnection(f.Payload)
		if err != nil {
			c.logger.Warn("proxy disconnection decode", "err", err)
			return
		}
		c.handlerMu.RLock()
		handlers := make([]func(*Disconnection), 0, len(c.discHandlers))
		for _, h := range c.discHandlers {
			handlers = append(handlers, h)
		}
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(d)
		}

	default:
		c.logger.Warn("proxy unknown indication", "type", fmt.Sprintf("0x%02X", f.Type))
	}
}

// --- indication handler registration (revocable) ---

func (c *Client) addHandlerID() uint64 {
	c.nextHandlerID++
	return c.nextHandlerID
}

// OnAdvertisement registers an advertisement handler; returns unsubscribe.
func (c *Client) OnAdvertisement(fn func(*Advertisement)) func() {
	c.handlerMu.Lock()
	id := c.addHandlerID()
	c.advHandlers[id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.advHandlers, id)
		c.handlerMu.Unlock()
	}
}

// OnLogLine registers a proxy log stream handler; returns unsubscribe.
func (c *Client) OnLogLine(fn func(*LogLine)) func() {
	c.handlerMu.Lock()
	id := c.addHandlerID()
	c.logHandlers[id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.logHandlers, id)
		c.handlerMu.Unlock()
	}
}

// OnNotification registers a characteristic notification handler; returns unsubscribe.
func (c *Client) OnNotification(fn func(*Notification)) func() {
	c.handlerMu.Lock()
	id := c.addHandlerID()
	c.notifyHandlers[id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.notifyHandlers, id)
		c.handlerMu.Unlock()
	}
}

// OnDisconnection registers a device-disconnected handler; returns unsubscribe.
func (c *Client) OnDisconnection(fn func(*Disconnection)) func() {
	c.handlerMu.Lock()
	id := c.addHandlerID()
	c.discHandlers[id] = fn
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.discHandlers, id)
		c.handlerMu.Unlock()
	}
}
