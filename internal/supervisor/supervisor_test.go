package supervisor

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/config"
	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/store"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	connectPrefs, err := prefs.LoadConnectPrefs(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	stats, err := prefs.LoadControllerStats(filepath.Join(dir, "stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.NewBoltStore(filepath.Join(dir, "reg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		MQTTHost:  "127.0.0.1",
		MQTTPort:  "1883",
		Namespace: "smartbedmqtt",
		Type:      "keeson",
	}
	vendor, _ := bed.VendorByType("keeson")
	return New(cfg, vendor, events.NewBus(logger), db, connectPrefs, stats, logger)
}

func TestSendCommandUnknownBed(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.SendCommand("Nope", "PresetFlat"); err == nil {
		t.Error("SendCommand() should fail for unknown bed")
	}
}

func TestAccessorsEmptyBetweenIterations(t *testing.T) {
	s := newTestSupervisor(t)
	if s.Monitor() != nil {
		t.Error("monitor should be nil before the first iteration")
	}
	if got := len(s.Controllers()); got != 0 {
		t.Errorf("controllers = %d, want 0", got)
	}
	if got := len(s.Links()); got != 0 {
		t.Errorf("links = %d, want 0", got)
	}
}
