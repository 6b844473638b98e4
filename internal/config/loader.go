package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an unusable configuration: a missing API key,
// an unknown provider or an out-of-range value. It is returned before any
// device or session is acquired.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "config: " + e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// APIKeyEnv lists the environment variables consulted, in order, when the
// live provider has no API key in the file.
var APIKeyEnv = []string{"SPARKY_API_KEY", "GEMINI_API_KEY", "API_KEY"}

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names outside this list; whether they can be built is decided by the
// [Registry].
var ValidProviderNames = map[string][]string{
	"live":  {"gemini", "openai"},
	"title": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads variables from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

// Load reads the YAML file at path, applies defaults and the process
// environment, and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(bytes.NewReader(nil), os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment resolved by env, and validates the result. A nil env skips the
// overlay.
func LoadFromReader(r io.Reader, env LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if env != nil {
		ApplyEnv(cfg, env)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment values onto cfg. Values from the file win
// over the environment, except SPARKY_LOG_LEVEL which overrides the file.
func ApplyEnv(cfg *Config, env LookupFunc) {
	if cfg.Providers.Live.APIKey == "" {
		for _, key := range APIKeyEnv {
			if v, ok := env(key); ok && v != "" {
				cfg.Providers.Live.APIKey = v
				break
			}
		}
	}
	if cfg.Providers.Title.APIKey == "" && cfg.Providers.Title.Name == cfg.Providers.Live.Name {
		cfg.Providers.Title.APIKey = cfg.Providers.Live.APIKey
	}
	if v, ok := env("SPARKY_TITLE_API_KEY"); ok && v != "" && cfg.Providers.Title.APIKey == "" {
		cfg.Providers.Title.APIKey = v
	}
	fb := &cfg.Providers.TitleFallback
	if fb.Name != "" && fb.APIKey == "" && fb.Name == cfg.Providers.Live.Name {
		fb.APIKey = cfg.Providers.Live.APIKey
	}
	if v, ok := env("SPARKY_POSTGRES_DSN"); ok && cfg.Storage.PostgresDSN == "" {
		cfg.Storage.PostgresDSN = v
	}
	if v, ok := env("SPARKY_LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg is usable. All problems are reported at once as a
// *[ConfigurationError] wrapping the joined list.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("title", cfg.Providers.Title.Name)
	validateProviderName("title", cfg.Providers.TitleFallback.Name)
	if cfg.Providers.Live.Name == "" {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	if cfg.Providers.Live.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.live.api_key is required; set it in the file or via one of %v", APIKeyEnv))
	}
	if cfg.Providers.Title.Name == "" {
		slog.Warn("providers.title is not configured; conversations keep their default title")
	}

	if cfg.Persona.Instructions == "" {
		errs = append(errs, errors.New("persona.instructions must not be empty"))
	}

	a := cfg.Audio
	if (a.InputDevice != nil && *a.InputDevice < 0) || (a.OutputDevice != nil && *a.OutputDevice < 0) {
		errs = append(errs, errors.New("audio device indices must not be negative"))
	}
	if a.CaptureSampleRate < 8000 || a.CaptureSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d is out of range [8000, 48000]", a.CaptureSampleRate))
	}
	if a.PlaybackSampleRate < 8000 || a.PlaybackSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d is out of range [8000, 48000]", a.PlaybackSampleRate))
	}
	if a.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.InputWAV != "" && a.InputDevice != nil {
		slog.Warn("audio.input_wav is set; audio.input_device is ignored", "input_wav", a.InputWAV)
	}

	s := cfg.Session
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("session.send_buffer %d must be at least 1", s.SendBuffer))
	}
	if s.BreakerMaxFailures < 1 {
		errs = append(errs, fmt.Errorf("session.breaker_max_failures %d must be at least 1", s.BreakerMaxFailures))
	}
	if s.BreakerResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.breaker_reset_timeout %s must not be negative", s.BreakerResetTimeout))
	}

	if len(errs) == 0 {
		return nil
	}
	return &ConfigurationError{Err: errors.Join(errs...)}
}

// validateProviderName logs a warning if name is set but not a known
// provider of kind.
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
