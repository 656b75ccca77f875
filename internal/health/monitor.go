// Package health is the bridge's failure accounting and escalation center:
// it observes every write outcome and proxy event, publishes heartbeat and
// degraded state, dispatches proxy reboots with a cooldown, and is the sole
// source of supervised restart requests.
package health

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartbed-bridge/internal/faults"
)

const (
	heartbeatInterval   = 30 * time.Second
	maintenanceInterval = 5 * time.Minute
	maintenanceMinUp    = 30 * time.Minute
	maintenanceIdle     = 12 * time.Hour
	rebootCooldown      = 10 * time.Minute
	failureEscalation   = 3
	maxErrorLen         = 500
)

// Publisher is the message-bus slice the monitor needs.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// RestartRequest is an accepted supervised-restart request.
type RestartRequest struct {
	Kind   string
	Reason string
}

// Monitor tracks BLE health for one supervisor iteration.
type Monitor struct {
	pub        Publisher
	ns         string
	bridgeType string
	logger     *slog.Logger
	now        func() time.Time

	heartbeatEvery   time.Duration
	maintenanceEvery time.Duration

	mu             sync.Mutex
	startedAt      time.Time
	lastBLESuccess time.Time
	consecFailures int
	lastError      string
	lastErrorAt    time.Time
	lastCommand    string
	lastCommandAt  time.Time
	cooldowns      map[string]time.Time
	proxyStatus    map[string]json.RawMessage
	degraded       bool
	pendingRestart string

	restartCh   chan RestartRequest
	restartOnce sync.Once

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor publishing under the given namespace.
func New(pub Publisher, ns, bridgeType string, logger *slog.Logger) *Monitor {
	return &Monitor{
		pub:              pub,
		ns:               ns,
		bridgeType:       bridgeType,
		logger:           logger.With("component", "health"),
		now:              time.Now,
		heartbeatEvery:   heartbeatInterval,
		maintenanceEvery: maintenanceInterval,
		startedAt:        time.Now(),
		cooldowns:        make(map[string]time.Time),
		proxyStatus:      make(map[string]json.RawMessage),
		restartCh:        make(chan RestartRequest, 1),
		done:             make(chan struct{}),
	}
}

// Start begins the heartbeat and maintenance timers and subscribes to the
// status topic of every configured proxy host.
func (m *Monitor) Start(proxyHosts []string) {
	for _, host := range proxyHosts {
		host := host
		topic := fmt.Sprintf("%s/proxy/%s/status", m.ns, host)
		if err := m.pub.Subscribe(topic, func(_ string, payload []byte) {
			m.ingestProxyStatus(host, payload)
		}); err != nil {
			m.logger.Warn("subscribe proxy status", "host", host, "err", err)
		}
	}

	// Seed the retained flag so consumers see a defined state immediately.
	m.mu.Lock()
	cur := m.degradedLocked()
	m.degraded = cur
	m.mu.Unlock()
	payload := "false"
	if cur {
		payload = "true"
	}
	m.publish(m.ns+"/status/degraded", []byte(payload), true)

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the timers. It does not publish a final heartbeat.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	heartbeat := time.NewTicker(m.heartbeatEvery)
	maintenance := time.NewTicker(m.maintenanceEvery)
	defer heartbeat.Stop()
	defer maintenance.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-heartbeat.C:
			m.PublishHeartbeat()
		case <-maintenance.C:
			m.maintenanceCheck()
		}
	}
}

// RecordBLESuccess resets the failure streak.
func (m *Monitor) RecordBLESuccess(device string) {
	m.mu.Lock()
	m.lastBLESuccess = m.now()
	m.consecFailures = 0
	m.mu.Unlock()
	m.publishDegraded()
	m.logger.Debug("ble success", "device", device)
}

// RecordBLEFailure counts a failure and escalates on the third consecutive
// retryable one: reboot the proxy when the host is known, and request a full
// restart to drop the stale API session.
func (m *Monitor) RecordBLEFailure(device string, err error, proxyHost string) {
	retryable := faults.IsTransientWrite(err) || faults.IsSocketClass(err)

	m.mu.Lock()
	m.lastError = redact(fmt.Sprintf("%s: %v", device, err))
	m.lastErrorAt = m.now()
	if retryable {
		m.consecFailures++
	} else {
		m.consecFailures = 0
	}
	escalate := retryable && m.consecFailures >= failureEscalation
	if escalate {
		m.consecFailures = 0
	}
	m.mu.Unlock()

	m.publishDegraded()
	m.logger.Warn("ble failure", "device", device, "proxy", proxyHost, "retryable", retryable, "err", err)

	if !escalate {
		return
	}
	if proxyHost != "" {
		m.RequestProxyReboot(proxyHost)
	}
	m.RequestRestart("restart", fmt.Sprintf("%d consecutive ble failures (last: %s)", failureEscalation, device))
}

// RecordCommand notes an incoming command for the idle-maintenance check.
func (m *Monitor) RecordCommand(device, command string) {
	m.mu.Lock()
	m.lastCommand = fmt.Sprintf("%s %s", device, command)
	m.lastCommandAt = m.now()
	m.mu.Unlock()
}

// RequestRestart latches a supervised restart. The first accepted request
// resolves WaitForRestart; later ones only log.
func (m *Monitor) RequestRestart(kind, reason string) {
	accepted := false
	m.restartOnce.Do(func() {
		accepted = true
		m.mu.Lock()
		m.pendingRestart = fmt.Sprintf("%s: %s", kind, reason)
		m.mu.Unlock()
		m.restartCh <- RestartRequest{Kind: kind, Reason: reason}
	})
	if accepted {
		m.publishDegraded()
		m.logger.Warn("restart requested", "kind", kind, "reason", reason)
	} else {
		m.logger.Debug("restart already pending", "kind", kind, "reason", reason)
	}
}

// WaitForRestart returns the one-shot restart channel.
func (m *Monitor) WaitForRestart() <-chan RestartRequest {
	return m.restartCh
}

// RequestProxyReboot publishes REBOOT for the host unless its 10-minute
// cooldown is active, in which case a suppression breadcrumb goes out
// instead. Test-and-set of the cooldown is atomic.
func (m *Monitor) RequestProxyReboot(host string) {
	now := m.now()

	m.mu.Lock()
	until, cooling := m.cooldowns[host]
	if cooling && until.After(now) {
		remaining := until.Sub(now)
		m.mu.Unlock()
		payload := mustJSON(map[string]any{
			"host":                 host,
			"cooldownRemainingSec": int(remaining.Seconds()),
		})
		m.publish(fmt.Sprintf("%s/proxy/%s/reboot_suppressed", m.ns, host), payload, false)
		m.logger.Info("proxy reboot suppressed", "host", host, "remaining", remaining)
		return
	}
	m.cooldowns[host] = now.Add(rebootCooldown)
	m.mu.Unlock()

	m.publish(fmt.Sprintf("%s/proxy/%s/command", m.ns, host), []byte("REBOOT"), false)
	m.publish(fmt.Sprintf("%s/proxy/%s/reboot_requested", m.ns, host), mustJSON(map[string]any{
		"host": host,
		"at":   now.Format(time.RFC3339),
	}), false)
	m.logger.Warn("proxy reboot requested", "host", host)
}

// RebootCooldownRemaining reports the active cooldown for a host, 0 when none.
func (m *Monitor) RebootCooldownRemaining(host string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldowns[host]
	if !ok {
		return 0
	}
	d := until.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

func (m *Monitor) ingestProxyStatus(host string, payload []byte) {
	var parsed json.RawMessage
	if json.Valid(payload) {
		parsed = append(json.RawMessage(nil), payload...)
	} else {
		parsed = mustJSON(map[string]string{"raw": string(payload)})
	}
	m.mu.Lock()
	m.proxyStatus[host] = parsed
	m.mu.Unlock()
}

// maintenanceCheck requests a maintenance restart on long-idle installations:
// quiet hours slowly wedge proxy sessions without producing a single error.
func (m *Monitor) maintenanceCheck() {
	m.mu.Lock()
	now := m.now()
	uptime := now.Sub(m.startedAt)
	lastActivity := m.lastCommandAt
	if lastActivity.IsZero() {
		lastActivity = m.startedAt
	}
	idle := now.Sub(lastActivity)
	m.mu.Unlock()

	if uptime >= maintenanceMinUp && idle >= maintenanceIdle {
		m.RequestRestart("maintenance", fmt.Sprintf("idle for %s", idle.Round(time.Minute)))
	}
}

// Snapshot is the heartbeat payload.
type Snapshot struct {
	Type                string                     `json:"type"`
	StartedAt           time.Time                  `json:"startedAt"`
	UptimeSec           int64                      `json:"uptimeSec"`
	LastBLESuccess      *time.Time                 `json:"lastBleSuccess,omitempty"`
	ConsecutiveFailures int                        `json:"consecutiveFailures"`
	LastError           string                     `json:"lastError,omitempty"`
	LastErrorAt         *time.Time                 `json:"lastErrorAt,omitempty"`
	LastCommand         string                     `json:"lastCommand,omitempty"`
	LastCommandAt       *time.Time                 `json:"lastCommandAt,omitempty"`
	Proxies             map[string]json.RawMessage `json:"proxies,omitempty"`
	Degraded            bool                       `json:"degraded"`
	PendingRestart      string                     `json:"pendingRestart,omitempty"`
}

// SnapshotNow builds the current heartbeat snapshot.
func (m *Monitor) SnapshotNow() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := Snapshot{
		Type:                m.bridgeType,
		StartedAt:           m.startedAt,
		UptimeSec:           int64(now.Sub(m.startedAt).Seconds()),
		ConsecutiveFailures: m.consecFailures,
		LastError:           m.lastError,
		LastCommand:         m.lastCommand,
		Degraded:            m.degradedLocked(),
		PendingRestart:      m.pendingRestart,
	}
	if !m.lastBLESuccess.IsZero() {
		t := m.lastBLESuccess
		s.LastBLESuccess = &t
	}
	if !m.lastErrorAt.IsZero() {
		t := m.lastErrorAt
		s.LastErrorAt = &t
	}
	if !m.lastCommandAt.IsZero() {
		t := m.lastCommandAt
		s.LastCommandAt = &t
	}
	if len(m.proxyStatus) > 0 {
		s.Proxies = make(map[string]json.RawMessage, len(m.proxyStatus))
		for k, v := range m.proxyStatus {
			s.Proxies[k] = v
		}
	}
	return s
}

// PublishHeartbeat publishes the periodic health JSON (not retained).
func (m *Monitor) PublishHeartbeat() {
	m.publish(m.ns+"/health", mustJSON(m.SnapshotNow()), false)
}

// PublishDeviceSnapshot publishes a per-device snapshot under the health tree.
func (m *Monitor) PublishDeviceSnapshot(deviceID string, snapshot any) {
	m.publish(fmt.Sprintf("%s/health/%s", m.ns, deviceID), mustJSON(snapshot), false)
}

func (m *Monitor) degradedLocked() bool {
	return m.consecFailures > 0 || m.pendingRestart != ""
}

// publishDegraded publishes the retained degraded flag when it flips.
func (m *Monitor) publishDegraded() {
	m.mu.Lock()
	cur := m.degradedLocked()
	changed := cur != m.degraded
	m.degraded = cur
	m.mu.Unlock()
	if !changed {
		return
	}
	payload := "false"
	if cur {
		payload = "true"
	}
	m.publish(m.ns+"/status/degraded", []byte(payload), true)
}

func (m *Monitor) publish(topic string, payload []byte, retain bool) {
	if err := m.pub.Publish(topic, payload, retain); err != nil {
		m.logger.Warn("publish", "topic", topic, "err", err)
	}
}

func redact(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
