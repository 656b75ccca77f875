package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/ble"
	"smartbed-bridge/internal/pipeline"
)

// Controller binds one bed to the BLE controller chosen for it: the session,
// the located write characteristic, and the command pipeline.
type Controller struct {
	Bed          bed.Config
	BedKey       string
	ControllerID string
	ProxyHost    string

	vendor  bed.Vendor
	session *ble.Session
	handle  uint16
	pipe    *pipeline.Pipeline
	logger  *slog.Logger

	commands map[string]bed.Command
}

func newController(bedCfg bed.Config, bedKey, controllerID, proxyHost string, vendor bed.Vendor, session *ble.Session, handle uint16, health pipeline.HealthRecorder, logger *slog.Logger) *Controller {
	c := &Controller{
		Bed:          bedCfg,
		BedKey:       bedKey,
		ControllerID: controllerID,
		ProxyHost:    proxyHost,
		vendor:       vendor,
		session:      session,
		handle:       handle,
		logger:       logger.With("component", "controller", "bed", bedCfg.FriendlyName),
		commands:     make(map[string]bed.Command),
	}
	for _, spec := range vendor.Entities() {
		c.commands[spec.Command.Name] = spec.Command
	}

	ops := pipeline.Ops{
		Write: func(ctx context.Context, payload []byte) error {
			return session.Write(ctx, c.handle, payload, true)
		},
		Connect: func(ctx context.Context) error {
			if err := session.Connect(ctx); err != nil {
				return err
			}
			// The write handle can move when the controller re-pairs with a
			// cleared cache.
			services, err := session.Services(ctx)
			if err != nil {
				return err
			}
			if h := bed.FindWriteHandle(vendor, services); h != 0 {
				c.handle = h
			}
			return nil
		},
		Disconnect: session.Disconnect,
	}
	c.pipe = pipeline.New(bedCfg.FriendlyName, proxyHost, bedCfg.StayConnected, ops, health, logger)
	return c
}

// Submit runs a command to completion.
func (c *Controller) Submit(ctx context.Context, cmd bed.Command) error {
	return c.pipe.Submit(ctx, cmd)
}

// Enqueue queues a command without waiting.
func (c *Controller) Enqueue(cmd bed.Command) {
	c.pipe.Enqueue(cmd)
}

// Command resolves a command by name.
func (c *Controller) Command(name string) (bed.Command, bool) {
	cmd, ok := c.commands[name]
	return cmd, ok
}

// Diagnostics returns the session diagnostics snapshot.
func (c *Controller) Diagnostics() ble.Diagnostics {
	return c.session.Diagnostics()
}

// Close stops the pipeline and tears the session's listeners down.
func (c *Controller) Close() {
	c.pipe.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !c.Bed.StayConnected {
		if err := c.session.Disconnect(ctx); err != nil {
			c.logger.Debug("disconnect on close", "err", err)
		}
	}
	c.session.Cleanup()
}

func (c *Controller) String() string {
	return fmt.Sprintf("%s (%s via %s)", c.Bed.FriendlyName, c.ControllerID, c.ProxyHost)
}
