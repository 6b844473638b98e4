// Package app wires the Sparky subsystems into a running application.
//
// The App owns the full lifecycle: New opens the conversation store, the
// audio output and the voice bot service, Run serves the HTTP API until the
// context is cancelled, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithInputDevice, WithOutput). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sparky/internal/api"
	"github.com/MrWong99/sparky/internal/config"
	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/conversation/postgres"
	"github.com/MrWong99/sparky/internal/health"
	"github.com/MrWong99/sparky/internal/observe"
	"github.com/MrWong99/sparky/internal/resilience"
	"github.com/MrWong99/sparky/internal/voicebot"
	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/device/portaudio"
	"github.com/MrWong99/sparky/pkg/audio/device/wavfile"
	"github.com/MrWong99/sparky/pkg/audio/mixer"
	"github.com/MrWong99/sparky/pkg/provider/live"
	"github.com/MrWong99/sparky/pkg/provider/llm"
)

// Providers holds the provider instances built by main.go via the config
// registry. Titles may be nil.
type Providers struct {
	Live   live.Provider
	Titles llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          conversation.Store
	input          audio.InputDevice
	output         audio.Output
	metrics        *observe.Metrics
	metricsHandler http.Handler
	checkers       []health.Checker

	bot    *voicebot.Service
	server *http.Server
	addr   chan string

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s conversation.Store) Option {
	return func(a *App) { a.store = s }
}

// WithInputDevice injects the capture device instead of PortAudio or a WAV
// source.
func WithInputDevice(d audio.InputDevice) Option {
	return func(a *App) { a.input = d }
}

// WithOutput injects the playback output instead of a mixer timeline played
// on a speaker or recorded to a WAV file.
func WithOutput(o audio.Output) Option {
	return func(a *App) { a.output = o }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the HTTP API.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// resource acquired so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		addr:      make(chan string, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	fail := func(step string, err error) (*App, error) {
		a.runClosers(context.Background())
		return nil, fmt.Errorf("app: %s: %w", step, err)
	}

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fail("init store", err)
	}

	// ── 2. Audio output ──────────────────────────────────────────────────
	if err := a.initOutput(ctx); err != nil {
		return fail("init output", err)
	}

	// ── 3. Audio input ───────────────────────────────────────────────────
	a.initInput()

	// ── 4. Voice bot ─────────────────────────────────────────────────────
	if err := a.initBot(); err != nil {
		return fail("init voice bot", err)
	}

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.store = conversation.NewMemoryStore()
		slog.Info("conversations kept in memory")
		return nil
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = s
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: s.Ping})
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
	slog.Info("conversations stored in postgres")
	return nil
}

func (a *App) initOutput(ctx context.Context) error {
	if a.output != nil {
		return nil
	}
	ac := a.cfg.Audio
	tl := mixer.New(audio.Format{SampleRate: ac.PlaybackSampleRate, Channels: 1})
	a.output = tl
	a.closers = append(a.closers, tl.Close)

	if ac.RecordWAV != "" {
		rec, err := (&wavfile.Recorder{Path: ac.RecordWAV}).Open(ctx, tl)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rec.Close)
		slog.Info("recording playback", "path", ac.RecordWAV)
		return nil
	}

	sp, err := (&portaudio.Speaker{Device: deviceIndex(ac.OutputDevice)}).Open(tl)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sp.Close)
	return nil
}

func (a *App) initInput() {
	if a.input != nil {
		return
	}
	if p := a.cfg.Audio.InputWAV; p != "" {
		a.input = &wavfile.Source{Path: p}
		slog.Info("using wav file as microphone", "path", p)
		return
	}
	a.input = &portaudio.Input{Device: deviceIndex(a.cfg.Audio.InputDevice)}
}

func (a *App) initBot() error {
	ac, sc := a.cfg.Audio, a.cfg.Session
	bot, err := voicebot.New(voicebot.Config{
		Live: a.providers.Live,
		Microphone: audio.NewMicrophone(a.input, audio.CaptureConfig{
			SampleRate: ac.CaptureSampleRate,
			FrameSize:  ac.FrameSize,
		}),
		Output:     a.output,
		Store:      a.store,
		Titles:     a.providers.Titles,
		Persona:    personaOf(a.cfg.Persona),
		SendBuffer: sc.SendBuffer,
		Breaker: resilience.CircuitBreakerConfig{
			Name:         "send/" + a.providers.Live.Name(),
			MaxFailures:  sc.BreakerMaxFailures,
			ResetTimeout: sc.BreakerResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("send breaker state changed", "breaker", name, "from", from, "to", to)
			},
		},
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)
	return nil
}

func (a *App) initServer() {
	if !a.cfg.HTTPEnabled() {
		slog.Info("http api disabled")
		return
	}
	opts := []api.Option{
		api.WithHealth(health.New(a.checkers)),
		api.WithObserve(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.New(a.bot, a.store, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// deviceIndex maps an unset config index to the PortAudio default.
func deviceIndex(i *int) int {
	if i == nil {
		return portaudio.DefaultDevice
	}
	return *i
}

func personaOf(p config.PersonaConfig) voicebot.Persona {
	return voicebot.Persona{
		Instructions: p.Instructions,
		Voice:        p.Voice,
		RobotColor:   p.RobotColor,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bot returns the voice bot service.
func (a *App) Bot() *voicebot.Service { return a.bot }

// Store returns the conversation store.
func (a *App) Store() conversation.Store { return a.store }

// Addr returns the address the HTTP API listens on once Run has bound it.
// It blocks until then or until ctx is done.
func (a *App) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-a.addr:
		a.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API, if enabled, and blocks until ctx is cancelled or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.addr <- ln.Addr().String()
	slog.Info("http api listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable part of a changed configuration.
// Changes that need a restart are logged and ignored.
func (a *App) ApplyConfig(ctx context.Context, d config.Diff) error {
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration change requires a restart", "sections", d.RestartRequired)
	}
	if !d.PersonaChanged {
		return nil
	}
	if err := a.bot.SetPersona(ctx, personaOf(d.NewPersona)); err != nil {
		return fmt.Errorf("app: apply persona: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and then releases all subsystems in reverse
// init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.server != nil {
			if serr := a.server.Shutdown(ctx); serr != nil {
				slog.Warn("http shutdown", "err", serr)
			}
		}
		err = a.runClosers(ctx)
	})
	return err
}

func (a *App) runClosers(ctx context.Context) error {
	closers := slices.Clone(a.closers)
	slices.Reverse(closers)
	a.closers = nil
	for i, closer := range closers {
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
			return ctx.Err()
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	return nil
}
