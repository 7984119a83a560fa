package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; provider
// and memory changes need a new process.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any voice tuning differs. The new values
	// apply to the next session.
	VoiceChanged bool

	// SessionChanged is true when the session defaults differ.
	SessionChanged bool

	// RestartRequired lists sections that changed but are only read at startup.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// VoiceConfig is comparable.
	d.VoiceChanged = old.Voice != new.Voice
	d.SessionChanged = old.Session != new.Session

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !sameEntry(old.Providers.Scoring, new.Providers.Scoring) ||
		!slices.EqualFunc(old.Providers.ScoringFallbacks, new.Providers.ScoringFallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "providers.scoring")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
