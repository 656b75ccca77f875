// Package pipeline serializes BLE writes per controller: a FIFO queue that
// survives individual failures, transient-error retry, coalescing repeating
// commands, and the disconnect-after-idle timer.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/faults"
)

const (
	transientRetryPause = 300 * time.Millisecond
	idleDisconnectAfter = 60 * time.Second
	queueDepth          = 64
)

// connectRetrySleeps are the in-place waits for connect failures inside the
// proxy's own reconnect window.
var connectRetrySleeps = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// HealthRecorder receives every write outcome. The health monitor implements it.
type HealthRecorder interface {
	RecordBLESuccess(device string)
	RecordBLEFailure(device string, err error, proxyHost string)
	RecordCommand(device, command string)
	RequestRestart(kind, reason string)
}

// Ops are the controller-bound operations the pipeline drives.
type Ops struct {
	Write      func(ctx context.Context, payload []byte) error
	Connect    func(ctx context.Context) error
	Disconnect func(ctx context.Context) error
}

type repeatState struct {
	payload   []byte
	remaining int
	wait      time.Duration
	cancel    chan struct{}
}

// Pipeline is one controller's in-order command queue.
type Pipeline struct {
	name          string
	proxyHost     string
	stayConnected bool
	ops           Ops
	health        HealthRecorder
	logger        *slog.Logger

	idleAfter time.Duration

	mu        sync.Mutex
	repeat    *repeatState
	idleTimer *time.Timer
	closed    bool

	queue chan queued
	done  chan struct{}
	wg    sync.WaitGroup
}

type queued struct {
	cmd    bed.Command
	result chan error
}

// New creates a pipeline and starts its worker.
func New(name, proxyHost string, stayConnected bool, ops Ops, health HealthRecorder, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		name:          name,
		proxyHost:     proxyHost,
		stayConnected: stayConnected,
		ops:           ops,
		health:        health,
		logger:        logger.With("component", "pipeline", "controller", name),
		idleAfter:     idleDisconnectAfter,
		queue:         make(chan queued, queueDepth),
		done:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the worker. Queued commands are dropped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.repeat != nil {
		close(p.repeat.cancel)
		p.repeat = nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}

// Submit queues a command and waits for it to finish. An identical repeating
// command that is still ticking is coalesced: its remaining count is extended
// and Submit returns immediately.
func (p *Pipeline) Submit(ctx context.Context, cmd bed.Command) error {
	p.health.RecordCommand(p.name, cmd.Name)
	p.clearIdleTimer()

	if p.tryCoalesce(cmd) {
		return nil
	}

	q := queued{cmd: cmd, result: make(chan error, 1)}
	select {
	case p.queue <- q:
	case <-p.done:
		return fmt.Errorf("pipeline %s closed", p.name)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-q.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues a command without waiting. Used by bus command handlers.
func (p *Pipeline) Enqueue(cmd bed.Command) {
	p.health.RecordCommand(p.name, cmd.Name)
	p.clearIdleTimer()

	if p.tryCoalesce(cmd) {
		return
	}

	q := queued{cmd: cmd, result: make(chan error, 1)}
	select {
	case p.queue <- q:
	case <-p.done:
	default:
		p.logger.Warn("command queue full, dropping", "command", cmd.Name)
	}
}

// tryCoalesce extends a matching pending repeating command, or cancels a
// differing one so the caller's command replaces it.
func (p *Pipeline) tryCoalesce(cmd bed.Command) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.repeat == nil {
		return false
	}
	if cmd.Repeat > 1 && bytes.Equal(p.repeat.payload, cmd.Payload) {
		p.repeat.remaining += cmd.Repeat
		p.logger.Debug("repeating command extended", "command", cmd.Name, "remaining", p.repeat.remaining)
		return true
	}
	close(p.repeat.cancel)
	p.repeat = nil
	return false
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case q := <-p.queue:
			err := p.execute(q.cmd)
			if err != nil {
				p.health.RecordBLEFailure(p.name, err, p.proxyHost)
				p.logger.Warn("command failed", "command", q.cmd.Name, "err", err)
			} else {
				p.health.RecordBLESuccess(p.name)
			}
			q.result <- err
		}
	}
}

// execute runs one command to completion, including all repeat ticks.
func (p *Pipeline) execute(cmd bed.Command) error {
	ctx := context.Background()

	if cmd.Repeat <= 1 {
		if err := p.writeOnce(ctx, cmd.Payload); err != nil {
			return err
		}
		p.armIdleTimer()
		return nil
	}

	rs := &repeatState{
		payload:   cmd.Payload,
		remaining: cmd.Repeat,
		wait:      cmd.Wait,
		cancel:    make(chan struct{}),
	}
	p.mu.Lock()
	p.repeat = rs
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.repeat == rs {
			p.repeat = nil
		}
		p.mu.Unlock()
	}()

	for {
		if err := p.writeOnce(ctx, cmd.Payload); err != nil {
			return err
		}

		p.mu.Lock()
		rs.remaining--
		left := rs.remaining
		p.mu.Unlock()
		if left <= 0 {
			break
		}

		select {
		case <-time.After(rs.wait):
		case <-rs.cancel:
			return nil
		case <-p.done:
			return nil
		}
	}
	p.armIdleTimer()
	return nil
}

// writeOnce performs one write with the transient-error recovery cycle:
// forced disconnect, short pause, reconnect, one retry.
func (p *Pipeline) writeOnce(ctx context.Context, payload []byte) error {
	err := p.ops.Write(ctx, payload)
	if err == nil {
		return nil
	}
	if !faults.IsTransientWrite(err) {
		return err
	}

	p.logger.Debug("transient write failure, recycling connection", "err", err)
	if derr := p.ops.Disconnect(ctx); derr != nil {
		p.logger.Debug("forced disconnect", "err", derr)
	}
	select {
	case <-time.After(transientRetryPause):
	case <-p.done:
		return err
	}
	if cerr := p.connectWithTolerance(ctx); cerr != nil {
		return cerr
	}
	return p.ops.Write(ctx, payload)
}

// connectWithTolerance retries connects that fail inside the proxy's
// reconnect window with short sleeps; a dead-API failure escalates to a full
// restart instead.
func (p *Pipeline) connectWithTolerance(ctx context.Context) error {
	err := p.ops.Connect(ctx)
	if err == nil {
		return nil
	}

	if faults.IsDeadAPI(err) {
		p.health.RequestRestart("restart", fmt.Sprintf("dead proxy api session: %v", err))
		return err
	}
	if !faults.IsConnectRetryWindow(err) {
		return err
	}

	for _, sleep := range connectRetrySleeps {
		select {
		case <-time.After(sleep):
		case <-p.done:
			return err
		}
		err = p.ops.Connect(ctx)
		if err == nil {
			return nil
		}
		if faults.IsDeadAPI(err) {
			p.health.RequestRestart("restart", fmt.Sprintf("dead proxy api session: %v", err))
			return err
		}
		if !faults.IsConnectRetryWindow(err) {
			return err
		}
	}
	return err
}

// clearIdleTimer cancels the pending idle disconnect when a new write arrives.
func (p *Pipeline) clearIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// armIdleTimer starts (or restarts) the disconnect-after-idle timer for
// controllers that do not stay connected.
func (p *Pipeline) armIdleTimer() {
	if p.stayConnected {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.idleAfter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.ops.Disconnect(ctx); err != nil {
			p.logger.Debug("idle disconnect", "err", err)
		} else {
			p.logger.Debug("disconnected after idle")
		}
	})
}
