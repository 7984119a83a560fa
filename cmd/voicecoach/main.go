// Command voicecoach runs a live voice sales-coaching session on the local
// microphone and speakers, then prints the scorecard.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/internal/app"
	"github.com/salesarchitect/voicecoach/internal/coach"
	"github.com/salesarchitect/voicecoach/internal/config"
	"github.com/salesarchitect/voicecoach/internal/observe"
	"github.com/salesarchitect/voicecoach/internal/resilience"
	"github.com/salesarchitect/voicecoach/pkg/audio/local"
	"github.com/salesarchitect/voicecoach/pkg/provider/llm/anyllm"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
	geminilive "github.com/salesarchitect/voicecoach/pkg/provider/s2s/gemini"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s/openai"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

const endTimeout = 90 * time.Second

func main() {
	os.Exit(run())
}

type flags struct {
	configPath string
	envPath    string
	watch      bool
	userID     string
	resume     string
	mode       string
	persona    string
	intensity  string
	voice      string
	docs       string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "voicecoach.yaml", "path to the YAML configuration file (optional)")
	flag.StringVar(&f.envPath, "env", ".env", "path to a .env file with API keys (optional)")
	flag.BoolVar(&f.watch, "watch", true, "reload voice tuning from the config file for the next session")
	flag.StringVar(&f.userID, "user", "", "user ID owning the session (default from config)")
	flag.StringVar(&f.resume, "resume", "", "session ID to resume; its recent messages seed the model")
	flag.StringVar(&f.mode, "mode", "", "training mode: coaching, roleplay or strategy")
	flag.StringVar(&f.persona, "persona", "", "prospect persona for roleplay")
	flag.StringVar(&f.intensity, "intensity", "", "roleplay intensity: easy, normal or hard")
	flag.StringVar(&f.voice, "voice", "", "AI voice: Male or Female")
	flag.StringVar(&f.docs, "docs", "", "comma-separated text files used as company context")
	flag.Parse()
	return f
}

func run() int {
	f := parseFlags()

	if err := godotenv.Load(f.envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicecoach: load %s: %v\n", f.envPath, err)
		return 1
	}

	cfg, fromFile, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecoach: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicecoach starting",
		"config", f.configPath,
		"config_file", fromFile,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicecoach"})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg.Voice)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	audioCtx, err := local.NewContext()
	if err != nil {
		slog.Error("failed to open audio backend", "err", err)
		return 1
	}
	defer func() { _ = audioCtx.Close() }()

	opener := func(context.Context) (app.Devices, error) {
		spk, err := local.NewSpeaker(audioCtx)
		if err != nil {
			return app.Devices{}, err
		}
		return app.Devices{
			Microphone: local.NewMicrophone(audioCtx),
			Output:     spk,
			Release:    spk.Close,
		}, nil
	}

	speaking := make(chan bool, 4)
	application, err := app.New(ctx, cfg, providers,
		app.WithDevices(opener),
		app.WithLogLevel(&level),
		app.WithSessionOptions(coach.WithSpeakingHook(func(on bool) {
			select {
			case speaking <- on:
			default:
			}
		})),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if fromFile && f.watch {
		w, err := config.NewWatcher(f.configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	code := runSession(ctx, application, f, cfg, speaking)

	stop()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("admin server error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return code
}

// loadConfig reads path when it exists and falls back to defaults otherwise.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg = config.Default()
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// runSession starts one session, shows the volume meter until Enter or a
// signal, then ends it and prints the scorecard.
func runSession(ctx context.Context, a *app.App, f flags, cfg *config.Config, speaking <-chan bool) int {
	req, err := startRequest(f, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecoach: %v\n", err)
		return 2
	}

	info, err := a.Sessions().Start(ctx, req)
	if err != nil {
		if errors.Is(err, coach.ErrMissingCredentials) {
			fmt.Fprintf(os.Stderr, "voicecoach: no API key for %s; set providers.s2s.api_key or the provider's environment variable\n", cfg.Providers.S2S.Name)
		} else {
			slog.Error("failed to start session", "err", err)
		}
		return 1
	}

	fmt.Printf("Session %s started (%s). Speak now; press Enter to finish.\n", info.SessionID, describe(info.Settings))

	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	agentTalking := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-enter:
			break loop
		case on := <-speaking:
			agentTalking = on
		case <-ticker.C:
			if !a.Sessions().Active() {
				// Failed on its own; the result is in Status().Last.
				break loop
			}
			drawMeter(a.Sessions().Session(), agentTalking)
		}
	}
	fmt.Fprint(os.Stderr, "\r\033[K")

	endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	fmt.Println("Analyzing session...")
	o, err := a.Sessions().End(endCtx)
	if errors.Is(err, app.ErrNoSession) {
		if last := a.Sessions().Status().Last; last != nil && last.Error != "" {
			fmt.Printf("Session failed: %s\n", last.Error)
			return 1
		}
		return 0
	}
	if err != nil {
		slog.Error("failed to end session", "err", err)
		return 1
	}
	printScorecard(o)
	if o.State == coach.StateError {
		return 1
	}
	return 0
}

func startRequest(f flags, cfg *config.Config) (app.StartRequest, error) {
	s := cfg.Session.Settings()
	if f.mode != "" {
		s.Mode = types.TrainingMode(f.mode)
	}
	if f.persona != "" {
		s.Persona = f.persona
	}
	if f.intensity != "" {
		s.Intensity = types.Intensity(f.intensity)
	}
	if f.voice != "" {
		s.Voice = types.VoicePreference(f.voice)
	}
	if !s.Mode.IsValid() {
		return app.StartRequest{}, fmt.Errorf("invalid mode %q", s.Mode)
	}
	if s.Intensity != "" && !s.Intensity.IsValid() {
		return app.StartRequest{}, fmt.Errorf("invalid intensity %q", s.Intensity)
	}

	req := app.StartRequest{UserID: f.userID, SessionID: f.resume, Settings: &s}
	if f.docs != "" {
		for _, path := range strings.Split(f.docs, ",") {
			path = strings.TrimSpace(path)
			data, err := os.ReadFile(path)
			if err != nil {
				return app.StartRequest{}, fmt.Errorf("read document: %w", err)
			}
			req.Documents = append(req.Documents, types.Document{Filename: path, Content: string(data)})
		}
	}
	return req, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmScorers are the any-llm-go backends usable for scoring.
var anyllmScorers = []string{"openai", "anthropic", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires the built-in factories into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, voice config.VoiceConfig) {
	// Empty model or base URL keeps the transport default.
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		sendQueue, eventBuffer := queueSizes(entry, voice)
		return geminilive.New(entry.APIKey,
			geminilive.WithModel(entry.Model),
			geminilive.WithBaseURL(entry.BaseURL),
			geminilive.WithSendQueue(sendQueue),
			geminilive.WithEventBuffer(eventBuffer),
		), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		sendQueue, eventBuffer := queueSizes(entry, voice)
		return openai.New(entry.APIKey,
			openai.WithModel(entry.Model),
			openai.WithBaseURL(entry.BaseURL),
			openai.WithSendQueue(sendQueue),
			openai.WithEventBuffer(eventBuffer),
		), nil
	})

	reg.RegisterScorer("gemini", func(entry config.ProviderEntry) (analysis.Scorer, error) {
		var opts []analysis.GeminiOption
		if entry.Model != "" {
			opts = append(opts, analysis.WithGeminiModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, analysis.WithGeminiBaseURL(entry.BaseURL))
		}
		return analysis.NewGeminiScorer(ctx, entry.APIKey, opts...)
	})

	for _, providerName := range anyllmScorers {
		reg.RegisterScorer(providerName, func(entry config.ProviderEntry) (analysis.Scorer, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return analysis.NewLLMScorer(p), nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterScorer("ollama", func(entry config.ProviderEntry) (analysis.Scorer, error) {
		var opts []anyllmlib.Option
		host := entry.BaseURL
		if host == "" {
			host = config.OptString(entry.Options, "host")
		}
		if host != "" {
			opts = append(opts, anyllmlib.WithBaseURL(host))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return analysis.NewLLMScorer(p), nil
	})

	for _, kind := range []string{"s2s", "scoring"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// queueSizes returns the transport queue sizes. providers.s2s.options may
// override the voice section.
func queueSizes(entry config.ProviderEntry, voice config.VoiceConfig) (sendQueue, eventBuffer int) {
	sendQueue, eventBuffer = voice.SendQueue, voice.EventBuffer
	if n, ok := config.OptInt(entry.Options, "send_queue"); ok {
		sendQueue = n
	}
	if n, ok := config.OptInt(entry.Options, "event_buffer"); ok {
		eventBuffer = n
	}
	return sendQueue, eventBuffer
}

// buildProviders instantiates the configured providers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	liveModel, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name, "model", cfg.Providers.S2S.Model)

	var scorer analysis.Scorer
	scorer, err = reg.CreateScorer(cfg.Providers.Scoring)
	if err != nil {
		return nil, fmt.Errorf("create scoring provider %q: %w", cfg.Providers.Scoring.Name, err)
	}
	slog.Info("provider created", "kind", "scoring", "name", cfg.Providers.Scoring.Name, "model", cfg.Providers.Scoring.Model)

	if len(cfg.Providers.ScoringFallbacks) > 0 {
		chain := resilience.NewFallbackScorer(cfg.Providers.Scoring.Name, scorer, resilience.BreakerConfig{})
		for i, entry := range cfg.Providers.ScoringFallbacks {
			fb, err := reg.CreateScorer(entry)
			if err != nil {
				slog.Warn("skipping scoring fallback", "index", i, "name", entry.Name, "err", err)
				continue
			}
			chain.Add(entry.Name, fb)
			slog.Info("provider created", "kind", "scoring_fallback", "name", entry.Name, "model", entry.Model)
		}
		scorer = chain
	}

	return &app.Providers{S2S: liveModel, Scorer: scorer}, nil
}
