package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"smartbed-bridge/internal/automation"
	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/ble"
	"smartbed-bridge/internal/config"
	"smartbed-bridge/internal/events"
	"smartbed-bridge/internal/faults"
	"smartbed-bridge/internal/health"
	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/store"
	"smartbed-bridge/internal/supervisor"
	"smartbed-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	exitClean  = 0
	exitSocket = 1
	exitOther  = 2
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return exitOther
	}
	cfg.ResolveAutoDetect(os.Getenv)
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return exitOther
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("smartbed-bridge starting", "version", version, "type", cfg.Type)

	vendor, _ := bed.VendorByType(cfg.Type)

	connectPrefs, err := prefs.LoadConnectPrefs(cfg.PreferencesPath())
	if err != nil {
		logger.Error("load connect preferences", "err", err)
		return exitOther
	}
	stats, err := prefs.LoadControllerStats(cfg.ControllerStatsPath())
	if err != nil {
		logger.Error("load controller stats", "err", err)
		return exitOther
	}
	db, err := store.NewBoltStore(cfg.StorePath())
	if err != nil {
		logger.Error("open controller registry", "err", err)
		return exitOther
	}
	defer db.Close()

	bus := events.NewBus(logger)
	sup := supervisor.New(cfg, vendor, bus, db, connectPrefs, stats, logger)

	// Uncaught socket/BLE-class panics exit with code 1 so the host
	// supervisor restarts the add-on; everything else exits 2. A final
	// health snapshot goes out first when the bus is still usable.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("uncaught failure", "panic", r)
			if m := sup.Monitor(); m != nil {
				m.PublishHeartbeat()
				time.Sleep(500 * time.Millisecond)
			}
			if isSocketPanic(r) {
				code = exitSocket
			} else {
				code = exitOther
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Diagnostics web server (optional).
	var httpServer *http.Server
	if cfg.Web.Listen != "" {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		webServer := web.NewServer(&bridgeView{sup: sup}, db, bus, logger, webOpts...)
		defer webServer.Stop()

		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Automation hooks (optional).
	scripts, err := automation.LoadScripts(cfg.ScriptsDir)
	if err != nil {
		logger.Error("load scripts", "err", err)
		return exitOther
	}
	var engine *automation.Engine
	if len(scripts) > 0 {
		engine = automation.NewEngine(bus, sup, logger)
		engine.Start(scripts)
		defer engine.Stop()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		signal.Stop(sigCh)
		logger.Info("shutting down", "signal", sig)
		cancel()
		select {
		case <-runErr:
		case <-time.After(10 * time.Second):
			logger.Warn("supervisor did not stop in time")
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("supervisor", "err", err)
			if m := sup.Monitor(); m != nil {
				m.PublishHeartbeat()
				time.Sleep(500 * time.Millisecond)
			}
			if faults.IsSocketClass(err) {
				return exitSocket
			}
			return exitOther
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
	}

	logger.Info("goodbye")
	return exitClean
}

func isSocketPanic(r any) bool {
	msg := strings.ToLower(fmt.Sprintf("%v", r))
	if err, ok := r.(error); ok {
		if faults.IsSocketClass(err) || faults.IsBLETimeout(err) {
			return true
		}
	}
	for _, s := range []string{"econn", "socket", "broken pipe", "ble", "gatt", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// bridgeView adapts the supervisor to the web server's read surface.
type bridgeView struct {
	sup *supervisor.Supervisor
}

func (v *bridgeView) Monitor() *health.Monitor {
	return v.sup.Monitor()
}

func (v *bridgeView) ControllerDiagnostics() []ble.Diagnostics {
	controllers := v.sup.Controllers()
	out := make([]ble.Diagnostics, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, c.Diagnostics())
	}
	return out
}

func (v *bridgeView) ProxyStates() []web.ProxyState {
	links := v.sup.Links()
	out := make([]web.ProxyState, 0, len(links))
	for _, l := range links {
		out = append(out, web.ProxyState{
			Host:       l.Host(),
			ServerName: l.ServerName(),
			State:      l.State().String(),
		})
	}
	return out
}
