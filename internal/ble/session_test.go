package ble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smartbed-bridge/internal/faults"
	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/proxy"
)

// fakeLink is a scriptable in-memory Link.
type fakeLink struct {
	mu sync.Mutex

	connectCalls  int32
	connectDelay  time.Duration
	connectFn     func(withoutCache bool) (*proxy.ConnectResult, error)
	servicesQueue []func() ([]proxy.Service, error)

	disconnectCalls int32
	clearCacheCalls int32

	nextID          int
	logListeners    map[int]func(*proxy.LogLine)
	notifyListeners map[int]func(*proxy.Notification)
	discListeners   map[int]func(*proxy.Disconnection)
	notifySubs      []uint16
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		logListeners:    make(map[int]func(*proxy.LogLine)),
		notifyListeners: make(map[int]func(*proxy.Notification)),
		discListeners:   make(map[int]func(*proxy.Disconnection)),
		connectFn: func(bool) (*proxy.ConnectResult, error) {
			return &proxy.ConnectResult{Connected: true, MTU: 247, MTUValid: true}, nil
		},
	}
}

func (f *fakeLink) Host() string { return "10.0.0.50" }

func (f *fakeLink) DeviceConnect(ctx context.Context, addr uint64, at proxy.AddressType, opts proxy.ConnectOptions) (*proxy.ConnectResult, error) {
	atomic.AddInt32(&f.connectCalls, 1)
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.connectFn(opts.WithoutCache)
}

func (f *fakeLink) DeviceDisconnect(ctx context.Context, addr uint64) error {
	atomic.AddInt32(&f.disconnectCalls, 1)
	return nil
}

func (f *fakeLink) DeviceClearCache(ctx context.Context, addr uint64) error {
	atomic.AddInt32(&f.clearCacheCalls, 1)
	return nil
}

func (f *fakeLink) ListServices(ctx context.Context, addr uint64) ([]proxy.Service, error) {
	f.mu.Lock()
	if len(f.servicesQueue) == 0 {
		f.mu.Unlock()
		return nil, nil
	}
	fn := f.servicesQueue[0]
	f.servicesQueue = f.servicesQueue[1:]
	f.mu.Unlock()
	return fn()
}

func (f *fakeLink) WriteChar(ctx context.Context, addr uint64, handle uint16, data []byte, withResponse bool) error {
	return nil
}

func (f *fakeLink) ReadChar(ctx context.Context, addr uint64, handle uint16) ([]byte, error) {
	return nil, nil
}

func (f *fakeLink) SubscribeNotify(ctx context.Context, addr uint64, handle uint16) error {
	f.mu.Lock()
	f.notifySubs = append(f.notifySubs, handle)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) OnNotification(fn func(*proxy.Notification)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.notifyListeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.notifyListeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeLink) OnDisconnection(fn func(*proxy.Disconnection)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.discListeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.discListeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeLink) SubscribeLogs(ctx context.Context, fn func(*proxy.LogLine)) (func(), error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.logListeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.logListeners, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeLink) pushLog(line string) {
	f.mu.Lock()
	fns := make([]func(*proxy.LogLine), 0, len(f.logListeners))
	for _, fn := range f.logListeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(&proxy.LogLine{Line: line})
	}
}

func (f *fakeLink) pushDisconnection(addr uint64, reason string) {
	f.mu.Lock()
	fns := make([]func(*proxy.Disconnection), 0, len(f.discListeners))
	for _, fn := range f.discListeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(&proxy.Disconnection{Address: addr, Reason: reason})
	}
}

func (f *fakeLink) notifyListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifyListeners)
}

func newTestSession(t *testing.T, link Link) (*Session, *Registry, *prefs.ConnectPrefs) {
	t.Helper()
	reg := NewRegistry()
	p, err := prefs.LoadConnectPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(reg, link, 0xAABBCCDDEEFF, proxy.AddressPublic, p, logger)
	t.Cleanup(s.Cleanup)
	return s, reg, p
}

func TestConnectSingleFlight(t *testing.T) {
	link := newFakeLink()
	link.connectDelay = 100 * time.Millisecond
	s, _, _ := newTestSession(t, link)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Connect(context.Background()); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&link.connectCalls); got != 1 {
		t.Errorf("proxy saw %d connect requests, want 1", got)
	}
	if !s.Connected() {
		t.Error("session should be connected")
	}
}

func TestConnectRetriesOppositeCacheModeAndPersists(t *testing.T) {
	link := newFakeLink()
	link.connectFn = func(withoutCache bool) (*proxy.ConnectResult, error) {
		if !withoutCache {
			return nil, errors.New("gatt error 133")
		}
		return &proxy.ConnectResult{Connected: true, MTU: 185, MTUValid: true}, nil
	}
	s, _, p := newTestSession(t, link)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := atomic.LoadInt32(&link.connectCalls); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
	if atomic.LoadInt32(&link.disconnectCalls) == 0 || atomic.LoadInt32(&link.clearCacheCalls) == 0 {
		t.Error("cleanup between attempts did not run")
	}
	if !p.WithoutCache("10.0.0.50", 0xAABBCCDDEEFF) {
		t.Error("successful without-cache mode was not persisted")
	}
}

func TestConnectEstablishedLogShortCircuits(t *testing.T) {
	link := newFakeLink()
	link.connectDelay = 5 * time.Second
	s, _, _ := newTestSession(t, link)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()

	// Wait for the attempt's log subscription, then feed the side channel.
	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		n := len(link.logListeners)
		link.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	link.pushLog("[W][esp32_ble_client] Connection request ignored, state: ESTABLISHED AA:BB:CC:DD:EE:FF")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not short-circuit on ESTABLISHED log line")
	}
	if !s.Connected() {
		t.Error("session should be connected")
	}
}

func TestConnectHardFailureArmsCooldown(t *testing.T) {
	link := newFakeLink()
	link.connectDelay = 5 * time.Second
	s, reg, _ := newTestSession(t, link)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		n := len(link.logListeners)
		link.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Both attempts fail hard via the side channel.
	link.pushLog("connect failed status=133 AA:BB:CC:DD:EE:FF")
	go func() {
		time.Sleep(400 * time.Millisecond)
		link.pushLog("connect failed status=133 AA:BB:CC:DD:EE:FF")
	}()

	select {
	case err := <-errCh:
		if !faults.Is(err, faults.KindHardFailure) {
			t.Fatalf("Connect() error = %v, want hard failure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect() did not abort on status=133")
	}
	if reg.Cooldown(s.Key()) == 0 {
		t.Error("hard failure should arm a cooldown")
	}
}

func TestConnectIgnoredArmsForceWithoutCache(t *testing.T) {
	link := newFakeLink()
	link.connectDelay = 5 * time.Second
	s, reg, _ := newTestSession(t, link)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		n := len(link.logListeners)
		link.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	link.pushLog("Connection request ignored, state: CONNECTING AA:BB:CC:DD:EE:FF")
	go func() {
		time.Sleep(400 * time.Millisecond)
		link.pushLog("Connection request ignored, state: CONNECTING AA:BB:CC:DD:EE:FF")
	}()

	select {
	case err := <-errCh:
		if !faults.Is(err, faults.KindProxyIgnored) {
			t.Fatalf("Connect() error = %v, want proxy ignored", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect() did not abort on ignored connect")
	}
	if !reg.ForceWithoutCache(s.Key()) {
		t.Error("ignored connect should arm the without-cache override")
	}
	if s.Diagnostics().IgnoredConnects == 0 {
		t.Error("diagnostics should count ignored connects")
	}
}

func TestServicesEmptyLadderRecoversAndPersists(t *testing.T) {
	link := newFakeLink()
	recovered := []proxy.Service{{UUID: "ffe5", Characteristics: []proxy.Characteristic{{Handle: 0x21, UUID: "ffe9"}}}}
	empty := func() ([]proxy.Service, error) { return nil, nil }
	link.servicesQueue = []func() ([]proxy.Service, error){
		empty, // initial
		empty, // 400ms retry
		func() ([]proxy.Service, error) { return recovered, nil }, // after cache clear
	}
	s, _, p := newTestSession(t, link)

	list, err := s.Services(context.Background())
	if err != nil {
		t.Fatalf("Services() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("services = %v", list)
	}
	if atomic.LoadInt32(&link.clearCacheCalls) == 0 {
		t.Error("cache clear leg did not run")
	}
	if !p.WithoutCache("10.0.0.50", 0xAABBCCDDEEFF) {
		t.Error("recovery via cache clear must persist withoutCache=true")
	}

	// Cached now: no further proxy calls.
	link.mu.Lock()
	link.servicesQueue = nil
	link.mu.Unlock()
	again, err := s.Services(context.Background())
	if err != nil || len(again) != 1 {
		t.Errorf("cached Services() = %v, %v", again, err)
	}
}

func TestServicesTimeoutRecovers(t *testing.T) {
	link := newFakeLink()
	recovered := []proxy.Service{{UUID: "ffe5"}}
	link.servicesQueue = []func() ([]proxy.Service, error){
		func() ([]proxy.Service, error) { return nil, errors.New("BluetoothGATTGetServicesDoneResponse timeout") },
		func() ([]proxy.Service, error) { return recovered, nil },
	}
	s, _, p := newTestSession(t, link)

	list, err := s.Services(context.Background())
	if err != nil {
		t.Fatalf("Services() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("services = %v", list)
	}
	if !p.WithoutCache("10.0.0.50", 0xAABBCCDDEEFF) {
		t.Error("timeout recovery must persist withoutCache=true")
	}
}

func TestDisconnectEventClearsCacheWithoutReconnect(t *testing.T) {
	link := newFakeLink()
	link.servicesQueue = []func() ([]proxy.Service, error){
		func() ([]proxy.Service, error) { return []proxy.Service{{UUID: "ffe5"}}, nil },
	}
	s, _, _ := newTestSession(t, link)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Services(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := atomic.LoadInt32(&link.connectCalls)

	link.pushDisconnection(0xAABBCCDDEEFF, "remote terminated")
	time.Sleep(50 * time.Millisecond)

	if s.Connected() {
		t.Error("disconnect event must clear the connected flag")
	}
	if got := s.Diagnostics().LastDisconnectReason; got != "remote terminated" {
		t.Errorf("disconnect reason = %q", got)
	}
	if after := atomic.LoadInt32(&link.connectCalls); after != before {
		t.Errorf("disconnect event triggered %d implicit reconnects", after-before)
	}
}

func TestSubscribeReplacesPriorListener(t *testing.T) {
	link := newFakeLink()
	s, _, _ := newTestSession(t, link)

	var first, second atomic.Int32
	if err := s.Subscribe(context.Background(), 0x21, func([]byte) { first.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(context.Background(), 0x21, func([]byte) { second.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if got := link.notifyListenerCount(); got != 1 {
		t.Errorf("active notify listeners = %d, want 1", got)
	}

	link.mu.Lock()
	fns := make([]func(*proxy.Notification), 0)
	for _, fn := range link.notifyListeners {
		fns = append(fns, fn)
	}
	link.mu.Unlock()
	for _, fn := range fns {
		fn(&proxy.Notification{Address: 0xAABBCCDDEEFF, Handle: 0x21, Data: []byte{1}})
	}

	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("listener calls = %d/%d, want 0/1", first.Load(), second.Load())
	}
}

func TestNewSessionEvictsPredecessor(t *testing.T) {
	link := newFakeLink()
	reg := NewRegistry()
	p, _ := prefs.LoadConnectPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1 := NewSession(reg, link, 0xAA, proxy.AddressPublic, p, logger)
	if err := s1.Subscribe(context.Background(), 0x21, func([]byte) {}); err != nil {
		t.Fatal(err)
	}

	s2 := NewSession(reg, link, 0xAA, proxy.AddressPublic, p, logger)
	defer s2.Cleanup()

	if got := link.notifyListenerCount(); got != 0 {
		t.Errorf("predecessor notify listeners still registered: %d", got)
	}
	if reg.Session(DeviceKey{ProxyHost: "10.0.0.50", Address: 0xAA}) != s2 {
		t.Error("registry should hold the new session")
	}
}
