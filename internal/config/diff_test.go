package config_test

import (
	"reflect"
	"testing"

	"github.com/MrWong99/sparky/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestCompare_NoChange(t *testing.T) {
	t.Parallel()
	if d := config.Compare(baseConfig(), baseConfig()); !d.Empty() {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestCompare_HotReloadable(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogDebug
	cur.Persona.Voice = "Puck"

	d := config.Compare(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.PersonaChanged || d.NewPersona.Voice != "Puck" {
		t.Errorf("persona diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestCompare_RestartRequired(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	cur.Providers.Live.Model = "other"
	dev := 3
	cur.Audio.InputDevice = &dev
	cur.Storage.PostgresDSN = "postgres://x"

	d := config.Compare(old, cur)
	want := []string{"providers", "audio", "storage"}
	if !reflect.DeepEqual(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.PersonaChanged || d.LogLevelChanged {
		t.Errorf("unexpected hot-reload diff: %+v", d)
	}
}

func TestCompare_DeviceIndexByValue(t *testing.T) {
	t.Parallel()
	old, cur := baseConfig(), baseConfig()
	a, b := 0, 0
	old.Audio.OutputDevice, cur.Audio.OutputDevice = &a, &b
	if d := config.Compare(old, cur); !d.Empty() {
		t.Errorf("equal indices behind different pointers reported as %+v", d)
	}

	cur.Audio.OutputDevice = nil
	d := config.Compare(old, cur)
	if !reflect.DeepEqual(d.RestartRequired, []string{"audio"}) {
		t.Errorf("device 0 -> default: RestartRequired = %v, want [audio]", d.RestartRequired)
	}
}
