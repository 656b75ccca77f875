package automation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"smartbed-bridge/internal/events"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommander) SendCommand(bedName, commandName string) error {
	f.mu.Lock()
	f.calls = append(f.calls, bedName+"/"+commandName)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(t *testing.T) (*Engine, *events.Bus, *fakeCommander) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	cmd := &fakeCommander{}
	e := NewEngine(bus, cmd, logger)
	t.Cleanup(e.Stop)
	return e, bus, cmd
}

func TestScriptReactsToEvent(t *testing.T) {
	e, bus, cmd := newTestEngine(t)

	e.Start([]Script{{
		ID: "goodnight",
		Source: `
bridge.on("command", function(event)
  if event.command == "PresetTV" then
    bridge.send("Master Bed", "UnderBedLight")
  end
end)
`,
	}})

	bus.Publish(events.Command{Bed: "Master Bed", Command: "PresetTV"})

	deadline := time.Now().Add(2 * time.Second)
	for cmd.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.calls) != 1 || cmd.calls[0] != "Master Bed/UnderBedLight" {
		t.Errorf("calls = %v", cmd.calls)
	}
}

func TestScriptIgnoresOtherEvents(t *testing.T) {
	e, bus, cmd := newTestEngine(t)

	e.Start([]Script{{
		ID:     "x",
		Source: `bridge.on("restart", function(event) bridge.send("Bed", "PresetFlat") end)`,
	}})

	bus.Publish(events.Advertisement{MAC: "AA:BB:CC:DD:EE:FF"})
	time.Sleep(100 * time.Millisecond)

	if cmd.callCount() != 0 {
		t.Errorf("calls = %d, want 0", cmd.callCount())
	}
}

func TestBrokenScriptDoesNotStopOthers(t *testing.T) {
	e, bus, cmd := newTestEngine(t)

	e.Start([]Script{
		{ID: "broken", Source: `this is not lua`},
		{ID: "good", Source: `bridge.on("restart", function(event) bridge.send("Bed", "PresetFlat") end)`},
	})

	bus.Publish(events.Restart{Kind: "maintenance", Reason: "idle"})

	deadline := time.Now().Add(2 * time.Second)
	for cmd.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cmd.callCount() != 1 {
		t.Errorf("calls = %d, want 1", cmd.callCount())
	}
}

func TestSandboxBlocksOS(t *testing.T) {
	e, _, _ := newTestEngine(t)

	err := e.startScript(Script{ID: "evil", Source: `os.execute("true")`})
	if err == nil {
		t.Error("script using os should fail to start")
	}
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`-- a`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`skip`), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := LoadScripts(dir)
	if err != nil {
		t.Fatalf("LoadScripts() error = %v", err)
	}
	if len(scripts) != 1 || scripts[0].ID != "a" {
		t.Errorf("scripts = %+v", scripts)
	}

	none, err := LoadScripts(filepath.Join(dir, "missing"))
	if err != nil || len(none) != 0 {
		t.Errorf("missing dir: %v, %v", none, err)
	}
}
