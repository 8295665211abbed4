// Concierge is a calendar booking assistant.
//
// It exposes a small HTTP API where each request is one conversational
// turn: the model checks availability and books slots through calendar
// tools, and the transcript is persisted between turns. Calendars are
// reached through Google Calendar (connected via OAuth) or a
// self-hosted CalDAV server. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	concierge serve              Start the API server
//	concierge version            Print version and build information
//	concierge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conciergelabs/concierge/internal/agent"
	"github.com/conciergelabs/concierge/internal/api"
	"github.com/conciergelabs/concierge/internal/buildinfo"
	"github.com/conciergelabs/concierge/internal/calendar"
	"github.com/conciergelabs/concierge/internal/config"
	"github.com/conciergelabs/concierge/internal/llm"
	"github.com/conciergelabs/concierge/internal/oauth"
	"github.com/conciergelabs/concierge/internal/session"
	"github.com/conciergelabs/concierge/internal/users"
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

// run is the real entry point for the concierge command. All OS-level
// dependencies are injected: ctx controls process lifetime, stdout and
// stderr receive output, and args is os.Args[1:]. Arguments are parsed
// by hand — the flag package relies on package-level globals
// (flag.CommandLine), which interferes with calling run() concurrently
// from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - Calendar Booking Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml")
	return nil
}

// runServe is the primary operating mode: load config, open stores,
// wire the calendar backend, and serve HTTP until SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Concierge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the configured level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- LLM client ---
	llmClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)

	// --- Session store ---
	// Ephemeral mode swaps in the null store: same interface, nothing
	// survives the request. Decided once here, not per call site.
	var store session.Store
	if cfg.Agent.Ephemeral {
		store = session.NullStore{}
		logger.Warn("ephemeral mode: conversations will not be persisted")
	} else {
		dbPath := cfg.DataDir + "/concierge.db"
		sqlStore, err := session.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return fmt.Errorf("open session database %s: %w", dbPath, err)
		}
		defer sqlStore.Close()
		store = sqlStore
		logger.Info("session database opened", "path", dbPath)
	}

	// --- Calendar backend ---
	// CalDAV when configured, otherwise Google Calendar via OAuth.
	var providers api.ProviderSource
	var oauthSvc *oauth.Service
	if cfg.CalDAV.URL != "" {
		caldavClient, err := calendar.NewCalDAVClient(
			cfg.CalDAV.URL, cfg.CalDAV.CalendarPath,
			cfg.CalDAV.Username, cfg.CalDAV.Password, logger)
		if err != nil {
			return fmt.Errorf("configure caldav backend: %w", err)
		}
		providers = api.StaticProviderSource{P: caldavClient}
		logger.Info("calendar backend: caldav", "url", cfg.CalDAV.URL)
	} else {
		userStore, err := users.NewStore(cfg.DataDir+"/users.db", logger)
		if err != nil {
			return fmt.Errorf("open user database: %w", err)
		}
		defer userStore.Close()

		oauthSvc = oauth.NewService(
			cfg.Google.ClientID, cfg.Google.ClientSecret,
			cfg.Google.RedirectURL, userStore, logger)
		providers = api.GoogleProviderSource{
			OAuth:      oauthSvc,
			Users:      userStore,
			CalendarID: cfg.Google.CalendarID,
			Logger:     logger,
		}
		logger.Info("calendar backend: google", "calendar_id", cfg.Google.CalendarID)
	}

	// --- Agent ---
	ag := agent.New(llmClient, cfg.Anthropic.Model, logger)
	ag.SetMaxToolRounds(cfg.Agent.MaxToolRounds)
	ag.SetModelTimeout(time.Duration(cfg.Agent.ModelTimeoutSec) * time.Second)
	ag.SetToolTimeout(time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, ag, store, providers, logger)
	if oauthSvc != nil {
		server.SetOAuthService(oauthSvc)
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Concierge stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level, with TRACE rendered by name instead of DEBUG-4.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
