package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obadiaha/veritas-kanban/internal/agent"
	"github.com/obadiaha/veritas-kanban/internal/alerts"
	"github.com/obadiaha/veritas-kanban/internal/attemptlog"
	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/config"
	"github.com/obadiaha/veritas-kanban/internal/eventbus"
	"github.com/obadiaha/veritas-kanban/internal/metrics"
	"github.com/obadiaha/veritas-kanban/internal/server"
	"github.com/obadiaha/veritas-kanban/internal/session"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
	"github.com/obadiaha/veritas-kanban/internal/trace"
)

const shutdownGrace = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  veritas serve [--config <veritas.yaml>] [--port <n>] [--root <dir>]")
}

func serve(args []string) {
	logger := log.New(os.Stderr, "[veritas] ", log.LstdFlags)

	// best-effort; a missing .env is not an error
	_ = godotenv.Load()

	configPath := config.DefaultConfigFile
	var portOverride int
	var rootOverride string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--port":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--port requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 || n > 65535 {
				fmt.Fprintf(os.Stderr, "invalid port: %s\n", args[i])
				os.Exit(1)
			}
			portOverride = n
		case "--root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--root requires a value")
				os.Exit(1)
			}
			rootOverride = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("config: %v", err)
		os.Exit(2)
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}
	if rootOverride != "" {
		cfg.Root = rootOverride
	}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Printf("data dir %s: %v", dataDir, err)
		os.Exit(2)
	}

	tasks, err := board.OpenSQLite(context.Background(), filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		logger.Printf("task store: %v", err)
		os.Exit(2)
	}
	defer tasks.Close()

	ts := telemetry.NewStore(filepath.Join(dataDir, "telemetry"), cfg.TelemetryConfig(), nil)
	if err := ts.Init(); err != nil {
		logger.Printf("telemetry: %v", err)
		os.Exit(2)
	}

	logs := attemptlog.New(filepath.Join(dataDir, "logs"), nil)
	traces := trace.NewRecorder(filepath.Join(dataDir, "traces"), cfg.TelemetryConfig().Traces, nil)
	bus := eventbus.New(nil)

	sup := agent.NewSupervisor(agent.Deps{
		Tasks:     tasks,
		Agents:    agent.StaticConfig{Cfg: cfg.AgentConfig()},
		Bus:       bus,
		Traces:    traces,
		Telemetry: ts,
		Logs:      logs,
	})

	pipe := alerts.NewPipe(cfg.AlertsConfig(), tasks, alerts.NewFileSink(dataDir))
	pipe.Register(ts)

	gateway := session.NewGateway(bus, func(taskID string) bool {
		return sup.Status(taskID) != nil
	})

	srv := server.New(server.Config{Addr: fmt.Sprintf(":%d", cfg.Port)}, server.Deps{
		Supervisor: sup,
		Gateway:    gateway,
		Metrics:    metrics.New(tasks, ts),
		Telemetry:  ts,
		Logger:     logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			logger.Printf("server: %v", err)
			os.Exit(2)
		}
		return
	}

	sup.StopAll(agent.DefaultKillGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http drain: %v", err)
	}

	if err := ts.Close(); err != nil {
		logger.Printf("telemetry close: %v", err)
	}
	logger.Printf("shutdown complete")
}
