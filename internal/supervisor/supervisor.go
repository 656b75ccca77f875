// Package supervisor owns the outer self-healing loop: message bus, health
// monitor, proxy links, vendor setup, and the restart signal that cycles all
// of it without dropping retained availability.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/ble"
	"smartbed-bridge/internal/config"
	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/faults"
	"smartbed-bridge/internal/health"
	"smartbed-bridge/internal/logutil"
	"smartbed-bridge/internal/mqtt"
	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/proxy"
	"smartbed-bridge/internal/retry"
	"smartbed-bridge/internal/store"
)

const iterationPause = time.Second

// Supervisor ties the whole bridge together and restarts it on signal.
type Supervisor struct {
	cfg    *config.Config
	vendor bed.Vendor
	logger *slog.Logger
	rl     *logutil.RateLimited

	bus          *events.Bus
	registry     *ble.Registry
	connectPrefs *prefs.ConnectPrefs
	stats        *prefs.ControllerStats
	db           store.Store

	mu          sync.Mutex
	monitor     *health.Monitor
	controllers []*Controller
	links       []*proxy.Link
}

// New creates a supervisor. The preference stores, registry store and event
// bus live for the process lifetime; everything else is recreated per loop
// iteration.
func New(cfg *config.Config, vendor bed.Vendor, bus *events.Bus, db store.Store, connectPrefs *prefs.ConnectPrefs, stats *prefs.ControllerStats, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		vendor:       vendor,
		logger:       logger.With("component", "supervisor"),
		rl:           logutil.NewRateLimited(logger, 30*time.Second),
		bus:          bus,
		registry:     ble.NewRegistry(),
		connectPrefs: connectPrefs,
		stats:        stats,
		db:           db,
	}
}

// Monitor returns the current health monitor, nil between iterations.
func (s *Supervisor) Monitor() *health.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// Controllers returns the controllers of the current iteration.
func (s *Supervisor) Controllers() []*Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Controller(nil), s.controllers...)
}

// Links returns the proxy links of the current iteration.
func (s *Supervisor) Links() []*proxy.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*proxy.Link(nil), s.links...)
}

// SendCommand queues a named command on a bed. Used by automation scripts.
func (s *Supervisor) SendCommand(bedName, commandName string) error {
	for _, c := range s.Controllers() {
		if c.Bed.FriendlyName != bedName && c.Bed.Name != bedName {
			continue
		}
		cmd, ok := c.Command(commandName)
		if !ok {
			return fmt.Errorf("unknown command %q for bed %q", commandName, bedName)
		}
		c.Enqueue(cmd)
		return nil
	}
	return fmt.Errorf("unknown bed %q", bedName)
}

// Run executes supervisor iterations until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.runOnce(ctx); err != nil {
			if faults.Is(err, faults.KindConfig) || faults.Is(err, faults.KindDuplicateIdentifier) {
				return err
			}
			s.logger.Error("supervisor iteration failed", "err", err)
		}
		// Give the proxies a moment to release their single API
		// subscription slot before the next iteration grabs it.
		select {
		case <-time.After(iterationPause):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	port, err := s.cfg.MQTTPortInt()
	if err != nil {
		return err
	}

	client, err := retry.Do(ctx, retry.Options{Initial: 5 * time.Second, Max: 30 * time.Second, Factor: 1.5, MaxAttempts: 5, Retryable: retry.Always,
		OnRetry: func(attempt int, err error, next time.Duration) {
			s.rl.Warn("mqtt-connect", "message bus connect failed", "attempt", attempt, "err", err, "retryIn", next)
		},
	}, func(ctx context.Context) (*mqtt.Client, error) {
		return mqtt.Connect(mqtt.Config{
			Host:      s.cfg.MQTTHost,
			Port:      port,
			Username:  s.cfg.MQTTUser,
			Password:  s.cfg.MQTTPassword,
			Namespace: s.cfg.Namespace,
		}, s.logger)
	})
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer client.Close()

	hosts := make([]string, 0, len(s.cfg.BLEProxies))
	for _, p := range s.cfg.BLEProxies {
		hosts = append(hosts, p.Host)
	}

	monitor := health.New(client, s.cfg.Namespace, s.cfg.Type, s.logger)
	monitor.Start(hosts)
	defer monitor.Stop()

	s.mu.Lock()
	s.monitor = monitor
	s.mu.Unlock()

	links, err := s.openLinks(ctx)
	if err != nil {
		return err
	}
	defer s.closeLinks()

	s.mu.Lock()
	s.links = links
	s.mu.Unlock()

	if err := s.runSetup(ctx, client, monitor, links); err != nil {
		if faults.Is(err, faults.KindDuplicateIdentifier) {
			return err
		}
		s.logger.Error("vendor setup failed", "err", err)
		monitor.RequestRestart("restart", fmt.Sprintf("setup failed: %v", err))
	}
	defer s.closeControllers()

	select {
	case req := <-monitor.WaitForRestart():
		s.logger.Warn("supervised restart", "kind", req.Kind, "reason", req.Reason)
		s.bus.Publish(events.Restart{Kind: req.Kind, Reason: req.Reason})
		return nil
	case <-ctx.Done():
		return nil
	}
}

// openLinks opens every configured proxy with infinite backoff. A server-name
// mismatch is corrected between attempts by pinning the expected name to the
// one the proxy presented, so encrypted sessions still verify.
func (s *Supervisor) openLinks(ctx context.Context) ([]*proxy.Link, error) {
	links := make([]*proxy.Link, 0, len(s.cfg.BLEProxies))
	for i := range s.cfg.BLEProxies {
		pc := &s.cfg.BLEProxies[i]

		link, err := retry.Do(ctx, retry.Options{Initial: 5 * time.Second, Max: 30 * time.Second, Factor: 1.5, Retryable: retry.Always,
			OnRetry: func(attempt int, err error, next time.Duration) {
				if got, ok := proxy.ParseNameMismatch(err); ok {
					s.rl.Warn("name-mismatch-"+pc.Host,
						"proxy presented a different server name, pinning to it",
						"host", pc.Host, "expected", pc.ExpectedServerName, "got", got)
					pc.ExpectedServerName = got
					return
				}
				s.rl.Warn("proxy-open-"+pc.Host, "proxy open failed",
					"host", pc.Host, "attempt", attempt, "err", err, "retryIn", next)
			},
		}, func(ctx context.Context) (*proxy.Link, error) {
			return proxy.Open(ctx, proxy.ClientConfig{
				Host:               pc.Host,
				Port:               pc.Port,
				Password:           pc.Password,
				EncryptionKey:      pc.EncryptionKey,
				ExpectedServerName: pc.ExpectedServerName,
			}, s.logger)
		})
		if err != nil {
			for _, l := range links {
				l.Close()
			}
			return nil, fmt.Errorf("open proxy %s: %w", pc.Host, err)
		}
		s.logger.Info("proxy link ready", "host", pc.Host, "server", link.ServerName())
		s.bus.Publish(events.ProxyReady{Host: pc.Host})
		links = append(links, link)
	}
	return links, nil
}

func (s *Supervisor) closeLinks() {
	s.mu.Lock()
	links := s.links
	s.links = nil
	s.mu.Unlock()
	for _, l := range links {
		l.Close()
		s.bus.Publish(events.ProxyLost{Host: l.Host()})
	}
}

func (s *Supervisor) closeControllers() {
	s.mu.Lock()
	controllers := s.controllers
	s.controllers = nil
	s.mu.Unlock()
	for _, c := range controllers {
		c.Close()
	}
}
