// Ember is a conversational smart-home temperature service.
//
// It exposes an HTTP API with a small chat web UI, drives an LLM with
// function-calling to read and change room temperatures, persists rooms
// and deferred temperature changes in SQLite, and optionally surfaces
// every room as a Home Assistant MQTT sensor. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	ember serve                      Start the API server
//	ember init [dir]                 Initialize a working directory with defaults
//	ember ask <message>              Send a single chat message (for testing)
//	ember owner add <user> <pass>    Register an owner account
//	ember version                    Print version and build information
//	ember -o json version            Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ember-home/ember/internal/agent"
	"github.com/ember-home/ember/internal/api"
	"github.com/ember-home/ember/internal/auth"
	"github.com/ember-home/ember/internal/buildinfo"
	"github.com/ember-home/ember/internal/command"
	"github.com/ember-home/ember/internal/config"
	"github.com/ember-home/ember/internal/connwatch"
	"github.com/ember-home/ember/internal/history"
	"github.com/ember-home/ember/internal/llm"
	"github.com/ember-home/ember/internal/mqtt"
	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/schedule"
	"github.com/ember-home/ember/internal/thermostat"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ember command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cmdName string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmdName == "":
			cmdName = args[i]
		default:
			if cmdName != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmdName {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ember ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "owner":
		if len(cmdArgs) != 3 || cmdArgs[0] != "add" {
			return fmt.Errorf("usage: ember owner add <username> <password>")
		}
		return runOwnerAdd(stdout, configPath, cmdArgs[1], cmdArgs[2])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmdName)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// ember is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ember - Conversational Home Temperature Service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ember [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the API server")
	fmt.Fprintln(w, "  init [dir]                  Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <message>               Send a single chat message (for testing)")
	fmt.Fprintln(w, "  owner add <user> <pass>     Register an owner account")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml")
	return nil
}

// newLogger builds an slog.Logger writing to w at the given level.
// Format is "text" or "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig finds and loads the YAML config, returning the config and
// the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// openDatabase opens (creating if needed) the single SQLite database
// that backs all Ember stores.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "ember.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// Serialized access keeps the concurrent stores simple.
	db.SetMaxOpenConns(1)
	return db, nil
}

// stores bundles the per-concern SQLite stores that share one database.
type stores struct {
	owners  *auth.Store
	rooms   *rooms.Store
	changes *schedule.Store
	history *history.Store
}

func openStores(db *sql.DB) (*stores, error) {
	owners, err := auth.NewStore(db)
	if err != nil {
		return nil, err
	}
	roomStore, err := rooms.NewStore(db)
	if err != nil {
		return nil, err
	}
	changes, err := schedule.NewStore(db)
	if err != nil {
		return nil, err
	}
	hist, err := history.NewStore(db)
	if err != nil {
		return nil, err
	}
	return &stores{owners: owners, rooms: roomStore, changes: changes, history: hist}, nil
}

// buildOrchestrator wires the chat pipeline from config and stores.
func buildOrchestrator(cfg *config.Config, st *stores, logger *slog.Logger) (*agent.Orchestrator, *schedule.Runner) {
	resolver := rooms.NewResolver(st.rooms, logger)
	mutator := thermostat.New(logger, resolver, st.rooms, st.changes)
	registry := command.NewRegistry(resolver, st.rooms, mutator)

	client := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, logger)
	orchestrator := agent.New(logger, client, registry, resolver, st.history, 0)

	interval := time.Duration(cfg.Scheduler.TickIntervalSec) * time.Second
	runner := schedule.NewRunner(logger, st.changes, mutator, interval)

	return orchestrator, runner
}

// runAsk handles the "ember ask <message>" subcommand. It boots the
// chat pipeline against the real data directory and processes a single
// message as the "cli-test" owner, printing the reply to stdout.
// Useful for quick smoke tests and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := openStores(db)
	if err != nil {
		return err
	}

	orchestrator, _ := buildOrchestrator(cfg, st, logger)

	reply := orchestrator.HandleTurn(ctx, "cli-test", message)
	fmt.Fprintln(stdout, reply)
	return nil
}

// runOwnerAdd handles "ember owner add <username> <password>".
func runOwnerAdd(stdout io.Writer, configPath, username, password string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	owners, err := auth.NewStore(db)
	if err != nil {
		return err
	}

	owner, err := owners.Create(username, password)
	if err != nil {
		return fmt.Errorf("create owner: %w", err)
	}

	fmt.Fprintf(stdout, "Owner %s created (id %s)\n", owner.Username, owner.ID)
	return nil
}

// runServe handles the "ember serve" subcommand. It is the primary
// operating mode: loads config, opens the database, wires the chat
// pipeline, starts the scheduler runner and the API server, optionally
// starts the MQTT bridge, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. MQTT publishes "offline" and disconnects
//  4. The database connection is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Ember", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			parsed, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			level = parsed
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"ollama_url", cfg.Ollama.URL,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "data_dir", cfg.DataDir)

	st, err := openStores(db)
	if err != nil {
		return err
	}

	orchestrator, runner := buildOrchestrator(cfg, st, logger)

	// The model being down is not fatal: turns degrade to an apology
	// until it comes back. A background watcher logs transitions and
	// feeds /healthz instead of a single startup ping.
	watch := connwatch.NewManager(logger)
	{
		client := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, logger)
		watch.Watch(ctx, connwatch.Config{
			Name:  "ollama",
			Probe: client.Ping,
		})
	}

	// Scheduled changes that came due while we were down are applied on
	// the first tick after startup.
	go runner.Run(ctx)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orchestrator, runner, st.owners, tokens, st.rooms, st.changes, st.history, logger)
	if cfg.PublicURL != "" {
		server.SetPublicURL(cfg.PublicURL)
	}
	server.SetWatch(watch)

	// --- MQTT bridge (optional) ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, roomSource{st.rooms}, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	} else {
		logger.Info("mqtt not configured, skipping HA bridge")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("ember stopped")
	return nil
}

// roomSource adapts the rooms store to the MQTT publisher.
type roomSource struct {
	store *rooms.Store
}

func (s roomSource) Rooms() ([]rooms.Room, error) {
	return s.store.ListAll()
}
