package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/config"
	"github.com/oakline/deskd/internal/cron"
	"github.com/oakline/deskd/internal/engine"
	"github.com/oakline/deskd/internal/gateway"
	"github.com/oakline/deskd/internal/orchestrator"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/policy"
	"github.com/oakline/deskd/internal/recovery"
	"github.com/oakline/deskd/internal/telemetry"
	"github.com/oakline/deskd/internal/watch"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quietFlag := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	if *showVersion {
		fmt.Println("deskd", Version)
		return
	}

	// File-only logs when stdout isn't a terminal, so piping deskd into
	// another tool doesn't interleave JSON lines with its output.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	gate, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "path", cfg.PolicyPath)

	backend := agent.NewCLIBackend(cfg.Agent.Binary, cfg.Agent.ExtraArgs, logger)

	eng := engine.New(engine.Config{
		Store:            store,
		Backend:          backend,
		Bus:              eventBus,
		Gate:             gate,
		Logger:           logger,
		Metrics:          metrics,
		MaxActiveStreams: cfg.MaxActiveStreams,
		HangTimeout:      cfg.StreamHangTimeout,
		QuestionTimeout:  cfg.QuestionTimeout,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Engine:        eng,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		DefaultModel:  cfg.Agent.Model,
	})

	monitor := recovery.NewMonitor(recovery.MonitorConfig{
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.Monitor.PollInterval,
		Timeout:  cfg.Monitor.Timeout,
	})

	// Resolve tasks orphaned in_progress by the previous process before the
	// gateway starts answering clients.
	scanner := recovery.NewScanner(recovery.ScannerConfig{
		Store:          store,
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metrics,
		TranscriptRoot: cfg.TranscriptRoot,
		Monitor:        monitor,
	})
	if err := scanner.Run(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed")

	cronSched := cron.NewScheduler(cron.Config{
		Store:    store,
		Spawner:  orch,
		Logger:   logger,
		Interval: cfg.CronInterval,
	})
	cronSched.Start(ctx)

	watcher := watch.NewWatcher(cfg.WorkspaceRoot, eventBus, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("workspace watcher disabled", "error", err)
	}

	authToken, err := resolveAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Engine:       eng,
		Orchestrator: orch,
		Monitor:      monitor,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		ChatActor:    policy.Actor{Role: policy.RoleMember, PathRoot: cfg.WorkspaceRoot},
	})
	gw.Start(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "epoch", gw.Epoch())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake first, then the background loops, then the
	// streams themselves. The store closes last via defer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	gw.Stop()
	cronSched.Stop()
	monitor.Stop()
	eng.Shutdown()
	orch.Wait()
	logger.Info("shutdown complete")
}

// resolveAuthToken prefers the configured token and otherwise loads or
// generates <home>/auth.token so first runs work without any setup.
func resolveAuthToken(cfg *config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"deskd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
