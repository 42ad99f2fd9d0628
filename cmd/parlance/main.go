// Command parlance is the entry point for the Parlance voice console gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlancehq/parlance/internal/app"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/avatar"
	"github.com/parlancehq/parlance/pkg/realtime"
	openairt "github.com/parlancehq/parlance/pkg/realtime/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "hot-reload the configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parlance",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		if err := application.WatchConfig(*configPath); err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Parlance into reg: the OpenAI realtime client and the in-process loopback
// avatar peer.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime("openai", func(entry config.RealtimeConfig) (realtime.Client, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAvatar("loopback", func(config.AvatarConfig) (avatar.Peer, error) {
		return avatar.NewLoopback(), nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	rt, err := reg.CreateRealtime(cfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("create realtime client %q: %w", cfg.Realtime.Name, err)
	}
	slog.Info("provider created", "kind", "realtime", "name", cfg.Realtime.Name)

	// Fail fast if the avatar name is unknown; the factory itself runs once
	// per console connection.
	if !reg.HasAvatar(cfg.Avatar.Name) {
		return nil, fmt.Errorf("create avatar peer %q: %w", cfg.Avatar.Name, config.ErrProviderNotRegistered)
	}
	avatarCfg := cfg.Avatar
	peerFactory := func() (avatar.Peer, error) {
		return reg.CreateAvatar(avatarCfg)
	}
	slog.Info("provider registered", "kind", "avatar", "name", cfg.Avatar.Name)

	return &app.Providers{
		Realtime:   rt,
		AvatarPeer: peerFactory,
	}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Parlance — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Realtime", cfg.Realtime.Name, cfg.Realtime.Model)
	printProvider("Avatar", cfg.Avatar.Name, "")
	fmt.Printf("║  Turn detection  : %-19s ║\n", cfg.Realtime.TurnDetection.EffectiveMode())
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger backed by a mutable level var, so
// config hot-reloads can adjust verbosity on the fly.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := &slog.LevelVar{}
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
