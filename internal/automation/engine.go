// Package automation runs user-supplied Lua hook scripts against the bridge
// event stream. Scripts register handlers with bridge.on and may queue bed
// commands with bridge.send.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"smartbed-bridge/internal/events"
)

// Commander queues a named command on a bed.
type Commander interface {
	SendCommand(bedName, commandName string) error
}

type luaHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is one running script. All Lua access is serialized through the
// commands channel.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaHandler
}

// Engine manages script VMs and feeds them the bridge event stream.
type Engine struct {
	bus    *events.Bus
	cmd    Commander
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*scriptVM
	sub *events.Subscription
}

// NewEngine creates an engine.
func NewEngine(bus *events.Bus, cmd Commander, logger *slog.Logger) *Engine {
	return &Engine{
		bus:    bus,
		cmd:    cmd,
		logger: logger.With("component", "automation"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start loads the scripts and begins consuming the event stream.
func (e *Engine) Start(scripts []Script) {
	for _, s := range scripts {
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	sub := e.bus.Subscribe(128)
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	go func() {
		for ev := range sub.C {
			e.dispatch(ev)
		}
	}()
	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels every VM and revokes the event subscription.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	e.logger.Info("automation engine stopped")
}

func (e *Engine) startScript(s Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState()
	sandbox(L)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerBridgeModule(L, vm, e)

	if err := L.DoString(s.Source); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID)
	return nil
}

// sandbox strips libraries a hook script has no business using.
func sandbox(L *lua.LState) {
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}
}

func (e *Engine) dispatch(event events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type() {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type())
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(event.Type()))
	for k, v := range event.Fields() {
		tbl.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// registerBridgeModule installs the "bridge" table: on, send, log.
func registerBridgeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{eventType: eventType, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		bedName := L.CheckString(1)
		command := L.CheckString(2)
		if err := e.cmd.SendCommand(bedName, command); err != nil {
			e.logger.Warn("script send failed", "bed", bedName, "command", command, "err", err)
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("bridge", mod)
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
