package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":     {"gemini-live", "openai-realtime"},
	"scoring": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// keyEnv lists, per provider name, the environment variables consulted in
// order when the entry has no api_key.
var keyEnv = map[string][]string{
	"gemini":          {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"gemini-live":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":          {"OPENAI_API_KEY"},
	"openai-realtime": {"OPENAI_API_KEY"},
	"anthropic":       {"ANTHROPIC_API_KEY"},
	"deepseek":        {"DEEPSEEK_API_KEY"},
	"mistral":         {"MISTRAL_API_KEY"},
	"groq":            {"GROQ_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := newConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := newConfig()
	ApplyDefaults(cfg)
	return cfg
}

// newConfig presets the fields whose zero value is meaningful, so the YAML
// decoder only overwrites them when the key is present.
func newConfig() *Config {
	return &Config{Voice: VoiceConfig{ResponseDelay: DefaultResponseDelay}}
}

// ApplyDefaults fills unset fields in place. voice.response_delay is not
// touched: zero disables the delay.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2SProvider
	}
	if cfg.Providers.Scoring.Name == "" {
		cfg.Providers.Scoring.Name = DefaultScoringProvider
	}

	v := &cfg.Voice
	if v.FrameSize == 0 {
		v.FrameSize = DefaultFrameSize
	}
	if v.BargeInThreshold == 0 {
		v.BargeInThreshold = DefaultBargeInThreshold
	}
	if v.MinTranscriptChars == 0 {
		v.MinTranscriptChars = DefaultMinTranscriptChars
	}
	if v.Voices.Male == "" {
		v.Voices.Male = "Fenrir"
	}
	if v.Voices.Female == "" {
		v.Voices.Female = "Zephyr"
	}

	if cfg.Memory.RecentMessages == 0 {
		cfg.Memory.RecentMessages = DefaultRecentMessages
	}

	s := &cfg.Session
	if s.UserID == "" {
		s.UserID = DefaultUserID
	}
	if s.Mode == "" {
		s.Mode = types.ModeCoaching
	}
	if s.Intensity == "" {
		s.Intensity = types.IntensityNormal
	}
	if s.VoicePreference == "" {
		s.VoicePreference = types.VoiceFemale
	}
}

// ApplyEnv fills empty provider API keys from the environment using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	entries := []*ProviderEntry{&cfg.Providers.S2S, &cfg.Providers.Scoring}
	for i := range cfg.Providers.ScoringFallbacks {
		entries = append(entries, &cfg.Providers.ScoringFallbacks[i])
	}
	for _, e := range entries {
		if e.APIKey != "" {
			continue
		}
		for _, key := range keyEnv[e.Name] {
			if v, ok := lookup(key); ok && v != "" {
				e.APIKey = v
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("scoring", cfg.Providers.Scoring.Name)
	for i, fb := range cfg.Providers.ScoringFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.scoring_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("scoring", fb.Name)
	}
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s has no api_key; sessions will fail until one is set",
			"provider", cfg.Providers.S2S.Name, "env", keyEnv[cfg.Providers.S2S.Name])
	}

	v := cfg.Voice
	if v.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must be positive", v.FrameSize))
	}
	if v.BargeInThreshold < 0 || v.BargeInThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.barge_in_threshold %.2f is out of range (0, 1]", v.BargeInThreshold))
	}
	if v.ResponseDelay < 0 {
		errs = append(errs, fmt.Errorf("voice.response_delay %s must not be negative", v.ResponseDelay))
	}
	if v.MinTranscriptChars < 0 {
		errs = append(errs, fmt.Errorf("voice.min_transcript_chars %d must not be negative", v.MinTranscriptChars))
	}
	if v.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("voice.send_queue %d must not be negative", v.SendQueue))
	}
	if v.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("voice.event_buffer %d must not be negative", v.EventBuffer))
	}

	if cfg.Memory.RecentMessages < 0 {
		errs = append(errs, fmt.Errorf("memory.recent_messages %d must not be negative", cfg.Memory.RecentMessages))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; sessions and scorecards will not be persisted")
	}

	s := cfg.Session
	if s.Mode != "" && !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: coaching, roleplay, strategy", s.Mode))
	}
	if s.Intensity != "" && !s.Intensity.IsValid() {
		errs = append(errs, fmt.Errorf("session.intensity %q is invalid; valid values: easy, normal, hard", s.Intensity))
	}
	switch s.VoicePreference {
	case "", types.VoiceMale, types.VoiceFemale:
	default:
		errs = append(errs, fmt.Errorf("session.voice_preference %q is invalid; valid values: Male, Female", s.VoicePreference))
	}
	if s.Mode == types.ModeRoleplay && s.Persona == "" {
		slog.Warn("session.mode is roleplay but session.persona is empty; the prospect will be generic")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
