package config_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/sparky/internal/config"
	"github.com/MrWong99/sparky/pkg/provider/live"
	livemock "github.com/MrWong99/sparky/pkg/provider/live/mock"
	"github.com/MrWong99/sparky/pkg/provider/llm"
	llmmock "github.com/MrWong99/sparky/pkg/provider/llm/mock"
)

func TestRegistry_CreateLive(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterLive("mock", func(_ context.Context, e config.ProviderEntry) (live.Provider, error) {
		gotEntry = e
		return &livemock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "mock", APIKey: "k", Model: "m"}
	p, err := reg.CreateLive(context.Background(), entry)
	if err != nil {
		t.Fatalf("CreateLive: %v", err)
	}
	if p.Name() != "mock" || gotEntry != entry {
		t.Errorf("provider %q built from %+v", p.Name(), gotEntry)
	}
	if names := reg.LiveNames(); !reflect.DeepEqual(names, []string{"mock"}) {
		t.Errorf("LiveNames = %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateLive(context.Background(), config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v, want ErrProviderNotRegistered", err)
	}
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("CreateLive err = %T, want *ConfigurationError", err)
	}

	_, err = reg.CreateLLM(context.Background(), config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryErrorIsConfigurationError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("api key is required")
	reg.RegisterLLM("gemini", func(context.Context, config.ProviderEntry) (llm.Provider, error) {
		return nil, boom
	})
	reg.RegisterLLM("mock", func(context.Context, config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	_, err := reg.CreateLLM(context.Background(), config.ProviderEntry{Name: "gemini"})
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := reg.CreateLLM(context.Background(), config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateLLM(mock): %v", err)
	}
}
