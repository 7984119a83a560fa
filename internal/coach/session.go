// Package coach runs one live voice practice session end to end.
//
// A [Session] owns every per-session resource: the microphone, the capture
// and playback pipelines, the live model connection and the transcript. A
// single dispatch goroutine consumes captured frames and transport events, so
// transcript and playback mutations happen in arrival order. Ending the
// session stops local audio synchronously and hands the transcript to a
// background finalizer that scores it and persists the results.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/internal/observe"
	"github.com/salesarchitect/voicecoach/internal/persona"
	"github.com/salesarchitect/voicecoach/internal/transcript"
	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/audio/capture"
	"github.com/salesarchitect/voicecoach/pkg/audio/playback"
	"github.com/salesarchitect/voicecoach/pkg/memory"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

var (
	// ErrMissingCredentials is returned by Start when the live model has no API key.
	ErrMissingCredentials = s2s.ErrMissingCredentials

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("coach: session already started")

	// ErrSessionEnded is returned by End when the session is not running.
	ErrSessionEnded = errors.New("coach: session not running")

	// ErrMicrophone wraps microphone acquisition failures.
	ErrMicrophone = errors.New("coach: microphone unavailable")
)

const (
	defaultMinTranscriptChars = 50
	defaultScoringTimeout     = 60 * time.Second
	knowledgeExcerptChars     = 4000
)

// Config is the per-session configuration.
type Config struct {
	// UserID owns the session record and documents.
	UserID string

	// SessionID resumes an existing session. When empty a new record is
	// created through the store, or a random ID is used without one.
	SessionID string

	Settings types.Settings

	// Documents ground the persona. When nil they are loaded from the store.
	Documents []types.Document

	// Knowledge overrides the embedded playbook.
	Knowledge string

	// Voices maps the voice preference to provider voices. Zero value uses
	// [persona.DefaultVoices].
	Voices persona.Voices

	// FrameSize is the capture frame length in samples. Default 4096.
	FrameSize int

	BargeInThreshold   float64
	ResponseDelay      time.Duration
	MinTranscriptChars int

	// RecentMessages is how many persisted messages seed a resumed session.
	RecentMessages int

	ScoringTimeout time.Duration

	// Rand drives hidden-state generation. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

func (c *Config) applyDefaults() {
	if c.Settings.Mode == "" {
		c.Settings.Mode = types.ModeCoaching
	}
	if c.Voices.Male == "" && c.Voices.Female == "" {
		c.Voices = persona.DefaultVoices
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.FrameSize
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = defaultMinTranscriptChars
	}
	if c.ScoringTimeout <= 0 {
		c.ScoringTimeout = defaultScoringTimeout
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}

// Deps are the collaborators of a session. Store is optional.
type Deps struct {
	Provider   s2s.Provider
	Microphone audio.Microphone
	Output     playback.Output
	Scorer     analysis.Scorer
	Store      memory.Store
}

// Outcome is delivered once when the session reaches a terminal state.
type Outcome struct {
	State      State
	SessionID  string
	Transcript []types.TranscriptTurn

	// Metrics is set only in [StateSummary].
	Metrics *types.PerformanceMetrics

	// Err explains [StateError] and a scoring failure in [StateClosed].
	Err error
}

// Option configures a [Session].
type Option func(*Session)

// WithStateHook registers fn to observe every state transition. fn runs on
// the goroutine making the transition and must not call End.
func WithStateHook(fn func(state State, err error)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithSpeakingHook registers fn to observe the model starting and stopping
// audible speech.
func WithSpeakingHook(fn func(speaking bool)) Option {
	return func(s *Session) { s.onSpeaking = fn }
}

// WithMetrics overrides the metrics sink. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one voice practice session. Create it with [New], run it with
// [Session.Start] and stop it with [Session.End].
type Session struct {
	deps       Deps
	cfg        Config
	metrics    *observe.Metrics
	onState    func(State, error)
	onSpeaking func(bool)

	transcript *transcript.Manager
	bargeIn    *BargeIn
	capture    *capture.Pipeline
	playback   *playback.Pipeline

	mu        sync.Mutex
	state     State
	err       error
	started   bool
	ending    bool
	sessionID string
	hidden    types.HiddenState
	handle    s2s.SessionHandle
	result    *types.PerformanceMetrics
	dialedAt  time.Time
	openedAt  time.Time

	cancel   context.CancelFunc
	loopDone chan struct{}
	teardown sync.Once

	outcome chan Outcome
	bg      sync.WaitGroup
	log     *slog.Logger
}

// New validates deps and returns an idle session.
func New(deps Deps, cfg Config, opts ...Option) (*Session, error) {
	var errs []error
	if deps.Provider == nil {
		errs = append(errs, errors.New("coach: provider is required"))
	}
	if deps.Microphone == nil {
		errs = append(errs, errors.New("coach: microphone is required"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("coach: audio output is required"))
	}
	if deps.Scorer == nil {
		errs = append(errs, errors.New("coach: scorer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	s := &Session{
		deps:       deps,
		cfg:        cfg,
		transcript: transcript.New(),
		bargeIn:    NewBargeIn(cfg.BargeInThreshold),
		loopDone:   make(chan struct{}),
		outcome:    make(chan Outcome, 1),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.playback = playback.New(deps.Output,
		playback.WithResponseDelay(cfg.ResponseDelay),
		playback.WithSpeakingHook(s.speakingChanged),
	)
	return s, nil
}

// Start prepares the persona, connects to the live model and acquires the
// microphone. Setup failures move the session to [StateError] and are
// returned; there is no retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "coach.start")
	defer span.End()

	s.setState(StateConnecting, nil)

	sessionID := s.resolveSessionID(ctx)
	observe.TagSession(ctx, sessionID)
	s.mu.Lock()
	s.sessionID = sessionID
	s.log = observe.Logger(ctx).With("session_id", sessionID, "mode", string(s.cfg.Settings.Mode))
	s.mu.Unlock()

	instructions := s.buildInstructions(ctx)

	s.mu.Lock()
	s.dialedAt = time.Now()
	s.mu.Unlock()
	handle, err := s.deps.Provider.Connect(ctx, s2s.SessionConfig{
		Instructions:        instructions,
		Voice:               s.cfg.Voices.VoiceFor(s.cfg.Settings.Voice),
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		s.metrics.RecordProviderError(ctx, "s2s", "connect")
		err = fmt.Errorf("coach: connect: %w", err)
		s.fail(err)
		return err
	}

	pipe := capture.New(
		capture.WithFrameSize(s.cfg.FrameSize),
		capture.WithDropHook(func() { s.metrics.RecordDroppedFrame(context.Background(), "capture") }),
	)
	s.mu.Lock()
	s.capture = pipe
	s.mu.Unlock()

	// The loop context outlives Start's ctx; End and transport errors cancel it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.deps.Microphone.Start(loopCtx, pipe.Process); err != nil {
		cancel()
		pipe.Close()
		if cerr := handle.Close(); cerr != nil {
			s.logger().Debug("close transport after microphone failure", "err", cerr)
		}
		err = fmt.Errorf("%w: %w", ErrMicrophone, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.ending {
		// End ran while we were connecting and already moved to analyzing.
		s.mu.Unlock()
		cancel()
		pipe.Close()
		_ = s.deps.Microphone.Close()
		_ = handle.Close()
		return ErrSessionEnded
	}
	s.handle = handle
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(loopCtx, handle.Events(), pipe.Chunks())
	s.logger().Info("voice session started", "voice", s.cfg.Voices.VoiceFor(s.cfg.Settings.Voice))
	return nil
}

func (s *Session) resolveSessionID(ctx context.Context) string {
	if s.cfg.SessionID != "" {
		return s.cfg.SessionID
	}
	if s.deps.Store != nil {
		id, err := s.deps.Store.CreateSession(ctx, s.cfg.UserID, s.cfg.Settings)
		if err == nil {
			return id
		}
		s.metrics.RecordPersistError(ctx, "create_session")
		observe.Logger(ctx).Warn("create session record failed, continuing unsaved", "err", err)
	}
	return uuid.NewString()
}

func (s *Session) buildInstructions(ctx context.Context) string {
	docs := s.cfg.Documents
	if docs == nil && s.deps.Store != nil && s.cfg.UserID != "" {
		var err error
		docs, err = s.deps.Store.ListDocuments(ctx, s.cfg.UserID)
		if err != nil {
			s.metrics.RecordPersistError(ctx, "list_documents")
			s.logger().Warn("load documents failed", "err", err)
		}
	}

	var hidden types.HiddenState
	if s.cfg.Settings.Mode == types.ModeRoleplay {
		hidden = persona.GenerateHiddenState(s.cfg.Rand)
		s.mu.Lock()
		s.hidden = hidden
		s.mu.Unlock()
	}
	return persona.BuildInstructions(persona.Input{
		Settings:  s.cfg.Settings,
		Documents: docs,
		Hidden:    hidden,
		Knowledge: s.cfg.Knowledge,
	})
}

// run is the single dispatch loop. It exits when ctx is cancelled, on a
// terminal transport error, or once both sources are closed.
func (s *Session) run(ctx context.Context, events <-chan s2s.Event, chunks <-chan capture.Chunk) {
	defer close(s.loopDone)
	for events != nil || chunks != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !s.handleEvent(ctx, ev) {
				return
			}
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.handleChunk(ctx, c)
		}
	}
}

// handleEvent applies one transport event. It returns false when the loop
// must stop.
func (s *Session) handleEvent(ctx context.Context, ev s2s.Event) bool {
	switch ev := ev.(type) {
	case s2s.Opened:
		s.opened(ctx)
	case s2s.PartialTranscript:
		s.transcript.Append(ev.Speaker, ev.Text)
	case s2s.AudioData:
		buf, err := audio.Decode(ev.Data, audio.OutputSampleRate, ev.SampleRate)
		if err != nil {
			s.metrics.DecodeErrors.Add(ctx, 1)
			s.logger().Warn("dropping malformed audio", "err", err)
			return true
		}
		if _, err := s.playback.Enqueue(buf); err != nil {
			s.logger().Warn("schedule playback failed", "err", err)
			return true
		}
		s.metrics.AudioChunksPlayed.Add(ctx, 1)
	case s2s.TurnComplete:
		s.transcript.TurnComplete()
		s.playback.MarkTurnComplete()
	case s2s.Interrupted:
		n := s.playback.FlushAll()
		s.transcript.Interrupted()
		s.metrics.Interruptions.Add(ctx, 1)
		s.logger().Debug("model interrupted", "stopped", n)
	case s2s.Error:
		s.metrics.RecordProviderError(ctx, "s2s", "stream")
		return s.transportFailed(fmt.Errorf("coach: transport: %w", ev.Err))
	case s2s.Closed:
		if s.State() == StateConnecting {
			return s.transportFailed(fmt.Errorf("coach: transport closed before session opened: %s", ev.Reason))
		}
		s.logger().Info("transport closed", "reason", ev.Reason)
	}
	return true
}

func (s *Session) opened(ctx context.Context) {
	s.mu.Lock()
	dialed := s.dialedAt
	s.openedAt = time.Now()
	s.mu.Unlock()
	if !s.setState(StateActive, nil) {
		return
	}
	s.metrics.ConnectDuration.Record(ctx, time.Since(dialed).Seconds())
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.seedContext(ctx)
}

// seedContext injects the tail of a resumed session's log. It runs in the
// background so a slow store never stalls the audio loop.
func (s *Session) seedContext(ctx context.Context) {
	if s.deps.Store == nil || s.cfg.RecentMessages <= 0 || s.cfg.SessionID == "" {
		return
	}
	s.mu.Lock()
	handle, id := s.handle, s.sessionID
	s.mu.Unlock()

	s.bg.Go(func() {
		msgs, err := s.deps.Store.FetchRecentMessages(ctx, id, s.cfg.RecentMessages)
		if err != nil {
			s.metrics.RecordPersistError(ctx, "fetch_recent_messages")
			s.logger().Warn("fetch recent messages failed", "err", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		items := make([]s2s.ContextItem, len(msgs))
		for i, m := range msgs {
			items[i] = s2s.ContextItem{Role: m.Role, Content: m.Content}
		}
		if err := handle.InjectTextContext(items); err != nil {
			s.logger().Warn("inject context failed", "err", err)
			return
		}
		s.logger().Debug("seeded context", "messages", len(items))
	})
}

func (s *Session) handleChunk(ctx context.Context, c capture.Chunk) {
	if s.bargeIn.Observe(c.Volume, s.playback.Speaking()) {
		n := s.playback.FlushAll()
		s.transcript.Interrupted()
		s.metrics.BargeIns.Add(ctx, 1)
		s.logger().Debug("barge-in", "volume", c.Volume, "stopped", n)
	}

	if s.State() != StateActive {
		return
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if err := handle.Send(c.Encoded); err != nil {
		s.metrics.RecordDroppedFrame(ctx, "send")
		s.logger().Debug("dropping frame", "seq", c.Seq, "err", err)
		return
	}
	s.metrics.FramesSent.Add(ctx, 1)
}

// transportFailed handles a terminal transport error from inside the loop.
func (s *Session) transportFailed(err error) bool {
	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()
	if ending {
		// End already owns teardown; the error is a consequence of closing.
		return false
	}
	s.fail(err)
	return false
}

// fail moves the session to StateError and releases every resource.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger().Error("voice session failed", "err", err)

	s.stopAudio()
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle != nil {
		if cerr := handle.Close(); cerr != nil {
			s.logger().Debug("close transport", "err", cerr)
		}
	}
	if s.setState(StateError, err) {
		s.metrics.RecordSessionFinished(context.Background(), "error")
		s.deliver(Outcome{State: StateError, SessionID: s.SessionID(), Transcript: s.transcript.Turns(), Err: err})
	}
}

// stopAudio releases the microphone and silences playback. Safe to call
// more than once and from the dispatch goroutine.
func (s *Session) stopAudio() {
	s.teardown.Do(func() {
		if err := s.deps.Microphone.Close(); err != nil {
			s.logger().Debug("close microphone", "err", err)
		}
		s.mu.Lock()
		pipe, cancel := s.capture, s.cancel
		s.mu.Unlock()
		if pipe != nil {
			pipe.Close()
		}
		if cancel != nil {
			cancel()
		}
		s.playback.FlushAll()
	})
}

// End stops the session on behalf of the user. Capture and playback stop
// before End returns; the transport close, scoring and persistence continue
// in the background and finish with a value on [Session.Outcome].
func (s *Session) End() error {
	s.mu.Lock()
	if !s.started || s.ending || s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.ending = true
	running := s.cancel != nil
	s.mu.Unlock()

	s.stopAudio()
	if running {
		<-s.loopDone
		// A buffer enqueued while the loop was finishing its last event.
		s.playback.FlushAll()
	}

	if !s.setState(StateAnalyzing, nil) {
		return ErrSessionEnded
	}
	s.bg.Go(s.finalize)
	return nil
}

// Outcome returns a channel that receives the terminal result exactly once.
func (s *Session) Outcome() <-chan Outcome { return s.outcome }

// Wait blocks until background finalization and persistence writes finish.
func (s *Session) Wait() { s.bg.Wait() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SessionID returns the persisted session ID once Start has run.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Hidden returns the roleplay hidden state.
func (s *Session) Hidden() types.HiddenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

// Metrics returns the scorecard once the session reached StateSummary.
func (s *Session) Metrics() *types.PerformanceMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Transcript returns the sealed turns so far.
func (s *Session) Transcript() []types.TranscriptTurn { return s.transcript.Turns() }

// Volume returns the latest microphone volume proxy in [0, 1].
func (s *Session) Volume() float64 {
	s.mu.Lock()
	c := s.capture
	s.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.Volume()
}

// Speaking reports whether model audio is scheduled or playing.
func (s *Session) Speaking() bool { return s.playback.Speaking() }

func (s *Session) speakingChanged(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

// setState performs a transition if the lifecycle allows it and reports
// whether it happened.
func (s *Session) setState(to State, err error) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	opened := s.openedAt
	s.mu.Unlock()

	if from == StateActive {
		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.SessionDuration.Record(ctx, time.Since(opened).Seconds())
	}
	s.logger().Debug("session state", "from", from.String(), "to", to.String())
	if s.onState != nil {
		s.onState(to, err)
	}
	return true
}

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *Session) deliver(o Outcome) {
	select {
	case s.outcome <- o:
	default:
	}
}
