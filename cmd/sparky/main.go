// Command sparky is the main entry point for the Sparky voice chat client.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/sparky/internal/app"
	"github.com/MrWong99/sparky/internal/config"
	"github.com/MrWong99/sparky/internal/observe"
	"github.com/MrWong99/sparky/internal/resilience"
	"github.com/MrWong99/sparky/pkg/audio/device/portaudio"
	"github.com/MrWong99/sparky/pkg/provider/live"
	geminilive "github.com/MrWong99/sparky/pkg/provider/live/gemini"
	oailive "github.com/MrWong99/sparky/pkg/provider/live/openai"
	"github.com/MrWong99/sparky/pkg/provider/llm"
	"github.com/MrWong99/sparky/pkg/provider/llm/anyllm"
	geminillm "github.com/MrWong99/sparky/pkg/provider/llm/gemini"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults when empty)")
	envFile := flag.String("env-file", ".env", "dotenv file with API keys; a missing file is ignored")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	inputWAV := flag.String("input-wav", "", "use a WAV file instead of the microphone")
	recordWAV := flag.String("record-wav", "", "record the bot's speech to a WAV file instead of the speaker")
	conversationID := flag.String("conversation", "", "load a stored conversation on startup")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "sparky: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sparky: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sparky: %v\n", err)
		}
		return 1
	}
	if *inputWAV != "" {
		cfg.Audio.InputWAV = *inputWAV
	}
	if *recordWAV != "" {
		cfg.Audio.RecordWAV = *recordWAV
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("sparky starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version}, promReg)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Compare(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if err := application.ApplyConfig(ctx, d); err != nil {
				slog.Warn("failed to apply config change", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if id := *conversationID; id != "" {
		if err := loadConversation(ctx, application, id); err != nil {
			slog.Error("failed to load conversation", "id", id, "err", err)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	con := newConsole(application.Bot(), application.Store(), os.Stdin, os.Stdout)
	go con.watch(ctx)
	consoleDone := make(chan struct{})
	go func() {
		con.run(ctx)
		close(consoleDone)
	}()

	slog.Info("ready: press Enter to talk, type \"help\" for commands, Ctrl+C to quit")

	code := 0
	select {
	case <-ctx.Done():
	case <-consoleDone:
	case err := <-runErr:
		if err != nil {
			slog.Error("run error", "err", err)
			code = 1
		}
	}
	stop()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func loadConversation(ctx context.Context, a *app.App, id string) error {
	c, err := a.Store().Get(ctx, id)
	if err != nil {
		return err
	}
	return a.Bot().LoadConversation(ctx, c)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────
	reg.RegisterLive("gemini", func(_ context.Context, entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(_ context.Context, entry config.ProviderEntry) (live.Provider, error) {
		var opts []oailive.Option
		if entry.Model != "" {
			opts = append(opts, oailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oailive.WithBaseURL(entry.BaseURL))
		}
		return oailive.New(entry.APIKey, opts...), nil
	})

	// ── Titles ────────────────────────────────────────────────────────────────
	reg.RegisterLLM("gemini", func(ctx context.Context, entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminillm.Option
		if entry.Model != "" {
			opts = append(opts, geminillm.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminillm.WithBaseURL(entry.BaseURL))
		}
		return geminillm.New(ctx, entry.APIKey, opts...)
	})

	// Every other vendor goes through any-llm-go: optional APIKey + optional
	// BaseURL. Gemini keeps its native client above.
	for _, vendor := range anyllm.Vendors() {
		if vendor == "gemini" {
			continue
		}
		reg.RegisterLLM(vendor, func(_ context.Context, entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	slog.Debug("registered providers", "live", reg.LiveNames(), "title", anyllm.Vendors())
}

// buildProviders instantiates the providers named in cfg. The live provider
// is mandatory; title providers that cannot be built only disable titles.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateLive(ctx, cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = p
	slog.Info("provider created", "kind", "live", "name", p.Name())

	primary := buildTitleProvider(ctx, reg, cfg.Providers.Title)
	if primary == nil {
		return ps, nil
	}
	titles := resilience.NewLLMFallback(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute},
	})
	if fb := buildTitleProvider(ctx, reg, cfg.Providers.TitleFallback); fb != nil {
		titles.AddFallback(fb)
	}
	ps.Titles = titles
	slog.Info("provider created", "kind", "title", "name", titles.Name())
	return ps, nil
}

// buildTitleProvider returns nil when entry is unset or cannot be built.
func buildTitleProvider(ctx context.Context, reg *config.Registry, entry config.ProviderEntry) llm.Provider {
	if entry.Name == "" {
		return nil
	}
	p, err := reg.CreateLLM(ctx, entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("title provider not available", "name", entry.Name)
		return nil
	case err != nil:
		slog.Warn("failed to create title provider", "name", entry.Name, "err", err)
		return nil
	}
	return p
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sparky: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", providerLabel(cfg.Providers.Live))
	printRow("Titles", providerLabel(cfg.Providers.Title))
	printRow("Voice", cfg.Persona.Voice)
	printRow("Microphone", deviceLabel(cfg.Audio.InputWAV, cfg.Audio.InputDevice))
	printRow("Speaker", deviceLabel(cfg.Audio.RecordWAV, cfg.Audio.OutputDevice))
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", "memory")
	}
	if cfg.HTTPEnabled() {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return ""
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func deviceLabel(wav string, index *int) string {
	if wav != "" {
		return "wav " + wav
	}
	if index == nil {
		return "default"
	}
	return fmt.Sprintf("device %d", *index)
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printDevices() int {
	devices, err := portaudio.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sparky: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Printf("%3d  in:%d out:%d  %6.0f Hz  %s\n",
			d.Index, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.Name)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
