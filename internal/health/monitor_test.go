package health

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type pubRecord struct {
	topic   string
	payload string
	retain  bool
}

type fakeBus struct {
	mu       sync.Mutex
	records  []pubRecord
	handlers map[string]func(string, []byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(string, []byte))}
}

func (b *fakeBus) Publish(topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	b.records = append(b.records, pubRecord{topic, string(payload), retain})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) countTopic(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.records {
		if r.topic == topic {
			n++
		}
	}
	return n
}

func (b *fakeBus) lastOn(topic string) (pubRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.records) - 1; i >= 0; i-- {
		if b.records[i].topic == topic {
			return b.records[i], true
		}
	}
	return pubRecord{}, false
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	m := New(bus, "smartbedmqtt", "keeson", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, bus
}

func TestThirdRetryableFailureRebootsProxyAndRequestsRestart(t *testing.T) {
	m, bus := newTestMonitor(t)

	err := errors.New("timeout")
	m.RecordBLEFailure("Bed1", err, "10.0.0.50")
	m.RecordBLEFailure("Bed1", err, "10.0.0.50")
	m.RecordBLEFailure("Bed1", err, "10.0.0.50")

	if got := bus.countTopic("smartbedmqtt/proxy/10.0.0.50/command"); got != 1 {
		t.Errorf("REBOOT publishes = %d, want 1", got)
	}
	rec, _ := bus.lastOn("smartbedmqtt/proxy/10.0.0.50/command")
	if rec.payload != "REBOOT" || rec.retain {
		t.Errorf("command record = %+v", rec)
	}

	if remaining := m.RebootCooldownRemaining("10.0.0.50"); remaining <= 9*time.Minute || remaining > 10*time.Minute {
		t.Errorf("cooldown remaining = %v, want ~10m", remaining)
	}

	select {
	case req := <-m.WaitForRestart():
		if req.Kind != "restart" {
			t.Errorf("restart kind = %q", req.Kind)
		}
	default:
		t.Error("restart request did not resolve")
	}
}

func TestFourthFailureWithinCooldownSuppressed(t *testing.T) {
	m, bus := newTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }

	err := errors.New("timeout")
	for i := 0; i < 3; i++ {
		m.RecordBLEFailure("Bed1", err, "10.0.0.50")
	}

	m.now = func() time.Time { return base.Add(59 * time.Second) }
	for i := 0; i < 3; i++ {
		m.RecordBLEFailure("Bed1", err, "10.0.0.50")
	}

	if got := bus.countTopic("smartbedmqtt/proxy/10.0.0.50/command"); got != 1 {
		t.Fatalf("REBOOT publishes = %d, want 1 (second escalation suppressed)", got)
	}
	rec, ok := bus.lastOn("smartbedmqtt/proxy/10.0.0.50/reboot_suppressed")
	if !ok {
		t.Fatal("no reboot_suppressed breadcrumb")
	}
	var breadcrumb struct {
		CooldownRemainingSec int `json:"cooldownRemainingSec"`
	}
	if err := json.Unmarshal([]byte(rec.payload), &breadcrumb); err != nil {
		t.Fatal(err)
	}
	if breadcrumb.CooldownRemainingSec <= 540 || breadcrumb.CooldownRemainingSec > 600 {
		t.Errorf("cooldownRemainingSec = %d, want in (540, 600]", breadcrumb.CooldownRemainingSec)
	}
}

func TestNonRetryableFailureResetsCounter(t *testing.T) {
	m, bus := newTestMonitor(t)

	m.RecordBLEFailure("Bed1", errors.New("timeout"), "10.0.0.50")
	m.RecordBLEFailure("Bed1", errors.New("timeout"), "10.0.0.50")
	m.RecordBLEFailure("Bed1", errors.New("unsupported model"), "10.0.0.50")
	m.RecordBLEFailure("Bed1", errors.New("timeout"), "10.0.0.50")
	m.RecordBLEFailure("Bed1", errors.New("timeout"), "10.0.0.50")

	if got := bus.countTopic("smartbedmqtt/proxy/10.0.0.50/command"); got != 0 {
		t.Errorf("REBOOT publishes = %d, want 0 (counter was reset)", got)
	}
}

func TestSuccessResetsStreakAndDegraded(t *testing.T) {
	m, bus := newTestMonitor(t)

	m.RecordBLEFailure("Bed1", errors.New("timeout"), "")
	rec, ok := bus.lastOn("smartbedmqtt/status/degraded")
	if !ok || rec.payload != "true" || !rec.retain {
		t.Fatalf("degraded record = %+v", rec)
	}

	m.RecordBLESuccess("Bed1")
	rec, _ = bus.lastOn("smartbedmqtt/status/degraded")
	if rec.payload != "false" {
		t.Errorf("degraded after success = %q, want false", rec.payload)
	}
}

func TestHeartbeatContent(t *testing.T) {
	m, bus := newTestMonitor(t)

	m.RecordCommand("Bed1", "PresetZeroG")
	m.RecordBLEFailure("Bed1", errors.New("timeout: "+strings.Repeat("x", 900)), "")
	m.PublishHeartbeat()

	rec, ok := bus.lastOn("smartbedmqtt/health")
	if !ok {
		t.Fatal("no heartbeat published")
	}
	if rec.retain {
		t.Error("heartbeat must not be retained")
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(rec.payload), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != "keeson" {
		t.Errorf("type = %q", snap.Type)
	}
	if snap.ConsecutiveFailures != 1 || !snap.Degraded {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.LastError) > 510 {
		t.Errorf("last error not redacted: %d chars", len(snap.LastError))
	}
	if snap.LastCommand != "Bed1 PresetZeroG" {
		t.Errorf("last command = %q", snap.LastCommand)
	}
}

func TestMaintenanceRestartOnLongIdle(t *testing.T) {
	m, _ := newTestMonitor(t)

	base := time.Now()
	m.mu.Lock()
	m.startedAt = base.Add(-13 * time.Hour)
	m.lastCommandAt = base.Add(-12*time.Hour - 30*time.Minute)
	m.mu.Unlock()
	m.now = func() time.Time { return base }

	m.maintenanceCheck()

	select {
	case req := <-m.WaitForRestart():
		if req.Kind != "maintenance" {
			t.Errorf("kind = %q, want maintenance", req.Kind)
		}
	default:
		t.Error("maintenance restart not requested")
	}
}

func TestMaintenanceSkippedWhenRecentlyActive(t *testing.T) {
	m, _ := newTestMonitor(t)

	base := time.Now()
	m.mu.Lock()
	m.startedAt = base.Add(-13 * time.Hour)
	m.lastCommandAt = base.Add(-time.Hour)
	m.mu.Unlock()
	m.now = func() time.Time { return base }

	m.maintenanceCheck()

	select {
	case <-m.WaitForRestart():
		t.Error("restart requested despite recent activity")
	default:
	}
}

func TestProxyStatusIngestion(t *testing.T) {
	m, bus := newTestMonitor(t)
	m.Start([]string{"10.0.0.50"})
	defer m.Stop()

	bus.mu.Lock()
	handler := bus.handlers["smartbedmqtt/proxy/10.0.0.50/status"]
	bus.mu.Unlock()
	if handler == nil {
		t.Fatal("proxy status not subscribed")
	}
	handler("smartbedmqtt/proxy/10.0.0.50/status", []byte(`{"rssi":-60,"uptime":1234}`))

	snap := m.SnapshotNow()
	if _, ok := snap.Proxies["10.0.0.50"]; !ok {
		t.Error("proxy status missing from snapshot")
	}
}

func TestRestartLatchIsOneShot(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RequestRestart("restart", "first")
	m.RequestRestart("restart", "second")

	req := <-m.WaitForRestart()
	if req.Reason != "first" {
		t.Errorf("reason = %q, want first", req.Reason)
	}
	select {
	case <-m.WaitForRestart():
		t.Error("latch resolved twice")
	default:
	}
}
