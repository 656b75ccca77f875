package supervisor

import (
	"context"
	"fmt"
	"time"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/ble"
	"smartbed-bridge/internal/discovery"
	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/faults"
	"smartbed-bridge/internal/health"
	"smartbed-bridge/internal/mqtt"
	"smartbed-bridge/internal/proxy"
	"smartbed-bridge/internal/retry"
	"smartbed-bridge/internal/store"
)

// runSetup performs the vendor setup: discovery with retry, per-bed
// controller selection with in-iteration failover, entity publication and
// command subscription.
func (s *Supervisor) runSetup(ctx context.Context, client *mqtt.Client, monitor *health.Monitor, links []*proxy.Link) error {
	beds := s.cfg.BedConfigs()

	targets := make([]discovery.Target, 0, len(beds))
	for _, b := range beds {
		targets = append(targets, discovery.Target{Key: b.StableID(), Identifiers: b.Identifiers()})
	}
	if err := discovery.CheckDuplicateIdentifiers(targets); err != nil {
		return err
	}

	scanner := discovery.NewScanner(links, s.bus, s.logger)
	matches, err := retry.Do(ctx, retry.Options{Initial: 10 * time.Second, Max: 120 * time.Second, Factor: 1.5, MaxAttempts: 4, Retryable: retry.Always,
		OnRetry: func(attempt int, err error, next time.Duration) {
			s.rl.Warn("discovery", "discovery found nothing yet", "attempt", attempt, "err", err, "retryIn", next)
		},
	}, func(ctx context.Context) (map[string][]discovery.Candidate, error) {
		m, err := scanner.Scan(ctx, targets)
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			return nil, fmt.Errorf("no configured beds discovered")
		}
		return m, nil
	})
	if err != nil {
		return err
	}

	disc, err := mqtt.NewDiscovery(client)
	if err != nil {
		return fmt.Errorf("discovery publisher: %w", err)
	}

	var controllers []*Controller
	for _, bedCfg := range beds {
		bedKey := bedCfg.StableID()
		cands := matches[bedKey]
		if len(cands) == 0 {
			s.logger.Warn("no controller advertised for bed", "bed", bedCfg.FriendlyName)
			continue
		}

		ctrl, err := retry.Do(ctx, retry.Options{Initial: 5 * time.Second, Max: 30 * time.Second, Factor: 1.5, MaxAttempts: 3,
			Retryable: func(err error) bool { return !faults.Is(err, faults.KindNotSupported) },
		}, func(ctx context.Context) (*Controller, error) {
			return s.setupBed(ctx, bedCfg, bedKey, cands, monitor)
		})
		if err != nil {
			if faults.Is(err, faults.KindNotSupported) {
				s.logger.Warn("no supported controller for bed, skipping", "bed", bedCfg.FriendlyName, "err", err)
				continue
			}
			s.logger.Error("bed setup failed", "bed", bedCfg.FriendlyName, "err", err)
			monitor.RecordBLEFailure(bedCfg.FriendlyName, err, "")
			continue
		}

		s.publishEntities(client, monitor, disc, ctrl)
		controllers = append(controllers, ctrl)
		s.logger.Info("bed ready", "controller", ctrl.String())
	}

	s.mu.Lock()
	s.controllers = controllers
	s.mu.Unlock()

	if len(controllers) == 0 {
		return fmt.Errorf("no bed could be set up")
	}
	return nil
}

// setupBed tries the ranked candidates in order within a single iteration:
// a pinned-but-asleep controller must not block its linked twin.
func (s *Supervisor) setupBed(ctx context.Context, bedCfg bed.Config, bedKey string, cands []discovery.Candidate, monitor *health.Monitor) (*Controller, error) {
	ranked := discovery.Rank(bedKey, cands, s.stats, time.Now())

	var lastErr error
	supported := false
	for _, cand := range ranked {
		if !s.vendor.IsSupported(cand.Adv) {
			continue
		}
		supported = true

		session := ble.NewSession(s.registry, cand.Link, cand.Adv.Address, cand.Adv.AddressType, s.connectPrefs, s.logger)
		handle, err := s.bringUp(ctx, session)
		if err != nil {
			lastErr = err
			if serr := s.stats.RecordFailure(bedKey, cand.Key(), err.Error()); serr != nil {
				s.logger.Warn("persist controller stats", "err", serr)
			}
			monitor.RecordBLEFailure(bedCfg.FriendlyName, err, cand.Link.Host())
			session.Cleanup()
			s.logger.Warn("controller candidate failed, trying next", "bed", bedCfg.FriendlyName, "controller", cand.Key(), "err", err)
			continue
		}

		if serr := s.stats.RecordSuccess(bedKey, cand.Key()); serr != nil {
			s.logger.Warn("persist controller stats", "err", serr)
		}
		if serr := s.stats.SetPinned(bedKey, cand.Key()); serr != nil {
			s.logger.Warn("persist pinned controller", "err", serr)
		}
		monitor.RecordBLESuccess(bedCfg.FriendlyName)

		if serr := s.db.SaveController(&store.SeenController{
			BedKey:       bedKey,
			FriendlyName: bedCfg.FriendlyName,
			ControllerID: cand.Key(),
			Name:         cand.Adv.Name,
			MAC:          cand.Adv.MAC(),
			ProxyHost:    cand.Link.Host(),
			RSSI:         cand.Adv.RSSI,
			LastSeen:     time.Now(),
			Diagnostics:  session.Diagnostics(),
		}); serr != nil {
			s.logger.Warn("persist controller registry", "err", serr)
		}

		return newController(bedCfg, bedKey, cand.Key(), cand.Link.Host(), s.vendor, session, handle, monitor, s.logger), nil
	}

	if !supported {
		return nil, faults.New(faults.KindNotSupported, "no candidate of bed %q passed the vendor probe", bedCfg.FriendlyName)
	}
	return nil, faults.Wrap(faults.KindControllerBuild, fmt.Sprintf("every candidate of bed %q failed", bedCfg.FriendlyName), lastErr)
}

// bringUp connects a session and locates the vendor's write characteristic.
func (s *Supervisor) bringUp(ctx context.Context, session *ble.Session) (uint16, error) {
	if err := session.Connect(ctx); err != nil {
		return 0, err
	}
	services, err := session.Services(ctx)
	if err != nil {
		return 0, err
	}
	handle := bed.FindWriteHandle(s.vendor, services)
	if handle == 0 {
		return 0, faults.New(faults.KindControllerBuild, "write characteristic not found on %s", session.MAC())
	}
	return handle, nil
}

// publishEntities publishes the bed's discovery payloads and wires its
// command topics into the pipeline.
func (s *Supervisor) publishEntities(client *mqtt.Client, monitor *health.Monitor, disc *mqtt.Discovery, ctrl *Controller) {
	ns := s.cfg.Namespace
	manufacturer := s.vendor.Name()
	deviceTopic := mqtt.DeviceTopic(manufacturer, ctrl.BedKey)
	deviceID := mqtt.SafeID(ctrl.Bed.FriendlyName)

	disc.Add(mqtt.BuildEntityDiscovery(ns, manufacturer, ctrl.BedKey, ctrl.Bed.FriendlyName, s.vendor.Entities()))

	for _, spec := range s.vendor.Entities() {
		spec := spec
		topic := mqtt.CommandTopic(ns, deviceTopic, mqtt.EntityTag(spec))
		err := client.Subscribe(topic, func(_ string, payload []byte) {
			s.bus.Publish(events.Command{
				Bed:     ctrl.Bed.FriendlyName,
				Command: spec.Command.Name,
				Payload: string(payload),
			})
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				err := ctrl.Submit(ctx, spec.Command)
				if err != nil {
					s.logger.Warn("command failed", "bed", ctrl.Bed.FriendlyName, "command", spec.Command.Name, "err", err)
				}
				result := events.WriteResult{Bed: ctrl.Bed.FriendlyName, Command: spec.Command.Name}
				if err != nil {
					result.Error = err.Error()
				}
				s.bus.Publish(result)
				monitor.PublishDeviceSnapshot(deviceID, ctrl.Diagnostics())
			}()
		})
		if err != nil {
			s.logger.Warn("subscribe command topic", "topic", topic, "err", err)
		}
	}
}
