package config

// Diff describes what changed between two configs. Only fields that can be
// applied without a restart are tracked; everything else is reported through
// RestartRequired.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is set when instructions, voice or the default robot
	// color changed. The new persona applies to the next session.
	PersonaChanged bool
	NewPersona     PersonaConfig

	// RestartRequired lists the sections whose change is ignored until the
	// process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Compare returns the difference between old and new.
func Compare(old, new *Config) Diff {
	var d Diff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Persona
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Providers != new.Providers {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

// audioEqual compares device indices by value.
func audioEqual(a, b AudioConfig) bool {
	if !intPtrEqual(a.InputDevice, b.InputDevice) || !intPtrEqual(a.OutputDevice, b.OutputDevice) {
		return false
	}
	a.InputDevice, a.OutputDevice = nil, nil
	b.InputDevice, b.OutputDevice = nil, nil
	return a == b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
