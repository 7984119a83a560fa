package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/salesarchitect/voicecoach/internal/coach"
	"github.com/salesarchitect/voicecoach/internal/config"
	"github.com/salesarchitect/voicecoach/internal/observe"
	"github.com/salesarchitect/voicecoach/internal/persona"
	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/audio/playback"
	"github.com/salesarchitect/voicecoach/pkg/memory"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

var (
	// ErrSessionActive is returned by Start while another session runs.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by End when nothing is running.
	ErrNoSession = errors.New("app: no active session")
)

// Devices are the audio endpoints for one session.
type Devices struct {
	Microphone audio.Microphone
	Output     playback.Output

	// Release frees the devices once the session has finished. May be nil.
	Release func() error
}

// DeviceOpener acquires audio devices for a new session.
type DeviceOpener func(ctx context.Context) (Devices, error)

// StartRequest describes a session to start. Zero fields fall back to the
// session defaults in the config.
type StartRequest struct {
	UserID string `json:"user_id,omitempty"`

	// SessionID resumes a stored session; its recent messages seed the model.
	SessionID string `json:"session_id,omitempty"`

	Settings *types.Settings `json:"settings,omitempty"`

	// Documents override the documents stored for the user.
	Documents []types.Document `json:"documents,omitempty"`
}

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Settings  types.Settings `json:"settings"`
	StartedAt time.Time      `json:"started_at"`
}

// Result summarises a finished session.
type Result struct {
	SessionID  string                    `json:"session_id"`
	State      string                    `json:"state"`
	Turns      int                       `json:"turns"`
	Metrics    *types.PerformanceMetrics `json:"metrics,omitempty"`
	Error      string                    `json:"error,omitempty"`
	FinishedAt time.Time                 `json:"finished_at"`
}

func resultFrom(o coach.Outcome) *Result {
	r := &Result{
		SessionID:  o.SessionID,
		State:      o.State.String(),
		Turns:      len(o.Transcript),
		Metrics:    o.Metrics,
		FinishedAt: time.Now().UTC(),
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

// Status is a snapshot of the manager.
type Status struct {
	Active          bool         `json:"active"`
	State           string       `json:"state"`
	Session         *SessionInfo `json:"session,omitempty"`
	Turns           int          `json:"turns"`
	TranscriptChars int          `json:"transcript_chars"`
	Volume          float64      `json:"volume"`
	Speaking        bool         `json:"speaking"`
	Last            *Result      `json:"last,omitempty"`
}

// SessionManager runs at most one voice session at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	providers *Providers
	store     memory.Store
	devices   DeviceOpener
	metrics   *observe.Metrics
	opts      []coach.Option

	mu     sync.Mutex
	cfg    *config.Config
	active *activeSession
	last   *Result
}

type activeSession struct {
	info    SessionInfo
	sess    *coach.Session
	done    chan struct{}
	outcome coach.Outcome
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Devices   DeviceOpener

	// Store is optional; without it nothing is persisted.
	Store memory.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SessionOptions are passed to every [coach.Session].
	SessionOptions []coach.Option
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	c := cfg.Config
	if c == nil {
		c = config.Default()
	}
	return &SessionManager{
		providers: cfg.Providers,
		store:     cfg.Store,
		devices:   cfg.Devices,
		metrics:   cfg.Metrics,
		opts:      cfg.SessionOptions,
		cfg:       c,
	}
}

// ApplyConfig replaces the voice tuning and session defaults used by the
// next Start. A running session keeps its settings.
func (sm *SessionManager) ApplyConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Start opens the audio devices and starts a session. It returns
// [ErrSessionActive] if one is already running.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.active != nil {
		id := sm.active.info.SessionID
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	cfg := sm.cfg
	as := &activeSession{done: make(chan struct{})}
	sm.active = as
	sm.mu.Unlock()

	info, watched, err := sm.start(ctx, cfg, as, req)
	if err != nil {
		if watched {
			// End raced with Start; the watcher frees the slot.
			return SessionInfo{}, err
		}
		// A concurrent End may be waiting on done; give it an outcome.
		o := startOutcome(as.sess, err)
		sm.mu.Lock()
		as.outcome = o
		if as.sess != nil {
			sm.last = resultFrom(o)
		}
		sm.active = nil
		sm.mu.Unlock()
		close(as.done)
		return SessionInfo{}, err
	}
	return info, nil
}

// startOutcome reports a session whose Start failed. It prefers the outcome
// the session delivered itself: a failed setup, or the finalizer's result
// when End arrived while connecting.
func startOutcome(sess *coach.Session, err error) coach.Outcome {
	if sess == nil {
		return coach.Outcome{State: coach.StateError, Err: err}
	}
	sess.Wait()
	select {
	case o := <-sess.Outcome():
		if o.Err == nil {
			o.Err = err
		}
		return o
	default:
		return coach.Outcome{State: coach.StateError, SessionID: sess.SessionID(), Err: err}
	}
}

// start builds and starts the session. watched reports whether the
// session was handed to [SessionManager.watch], which then owns the slot.
func (sm *SessionManager) start(ctx context.Context, cfg *config.Config, as *activeSession, req StartRequest) (info SessionInfo, watched bool, err error) {
	if sm.devices == nil {
		return SessionInfo{}, false, errors.New("app: no audio devices configured")
	}
	devs, err := sm.devices(ctx)
	if err != nil {
		return SessionInfo{}, false, fmt.Errorf("app: open audio devices: %w", err)
	}

	settings := cfg.Session.Settings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	userID := req.UserID
	if userID == "" {
		userID = cfg.Session.UserID
	}

	opts := []coach.Option{coach.WithStateHook(func(st coach.State, err error) {
		if err != nil {
			slog.Warn("session state", "state", st.String(), "err", err)
			return
		}
		slog.Info("session state", "state", st.String())
	})}
	if sm.metrics != nil {
		opts = append(opts, coach.WithMetrics(sm.metrics))
	}
	opts = append(opts, sm.opts...)

	sess, err := coach.New(coach.Deps{
		Provider:   sm.providers.S2S,
		Microphone: devs.Microphone,
		Output:     devs.Output,
		Scorer:     sm.providers.Scorer,
		Store:      sm.store,
	}, coach.Config{
		UserID:             userID,
		SessionID:          req.SessionID,
		Settings:           settings,
		Documents:          req.Documents,
		Voices:             persona.Voices{Male: cfg.Voice.Voices.Male, Female: cfg.Voice.Voices.Female},
		FrameSize:          cfg.Voice.FrameSize,
		BargeInThreshold:   cfg.Voice.BargeInThreshold,
		ResponseDelay:      cfg.Voice.ResponseDelay,
		MinTranscriptChars: cfg.Voice.MinTranscriptChars,
		RecentMessages:     cfg.Memory.RecentMessages,
	}, opts...)
	if err != nil {
		release(devs)
		return SessionInfo{}, false, fmt.Errorf("app: new session: %w", err)
	}

	sm.mu.Lock()
	as.sess = sess
	sm.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		if errors.Is(err, coach.ErrSessionEnded) {
			go sm.watch(as, devs)
			return SessionInfo{}, true, err
		}
		release(devs)
		return SessionInfo{}, false, err
	}

	info = SessionInfo{
		SessionID: sess.SessionID(),
		UserID:    userID,
		Settings:  settings,
		StartedAt: time.Now().UTC(),
	}
	sm.mu.Lock()
	as.info = info
	sm.mu.Unlock()

	go sm.watch(as, devs)
	return info, true, nil
}

// watch waits for the session outcome and frees the slot.
func (sm *SessionManager) watch(as *activeSession, devs Devices) {
	o := <-as.sess.Outcome()
	as.sess.Wait()
	release(devs)

	res := resultFrom(o)
	sm.mu.Lock()
	as.outcome = o
	sm.last = res
	if sm.active == as {
		sm.active = nil
	}
	sm.mu.Unlock()
	close(as.done)

	slog.Info("session finished", "session_id", o.SessionID, "state", res.State, "turns", res.Turns)
}

func release(devs Devices) {
	if devs.Release == nil {
		return
	}
	if err := devs.Release(); err != nil {
		slog.Warn("release audio devices", "err", err)
	}
}

// End stops the active session and waits until it is scored and persisted
// or ctx expires.
func (sm *SessionManager) End(ctx context.Context) (coach.Outcome, error) {
	sm.mu.Lock()
	as := sm.active
	var sess *coach.Session
	if as != nil {
		sess = as.sess
	}
	sm.mu.Unlock()
	if sess == nil {
		return coach.Outcome{}, ErrNoSession
	}

	// ErrSessionEnded means it already failed or is finishing; wait either way.
	if err := sess.End(); err != nil && !errors.Is(err, coach.ErrSessionEnded) {
		return coach.Outcome{}, err
	}
	select {
	case <-as.done:
		return as.outcome, nil
	case <-ctx.Done():
		return coach.Outcome{}, ctx.Err()
	}
}

// Active reports whether a session is running.
func (sm *SessionManager) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Session returns the running session, or nil.
func (sm *SessionManager) Session() *coach.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil
	}
	return sm.active.sess
}

// Status returns a snapshot of the active session and the last result.
func (sm *SessionManager) Status() Status {
	sm.mu.Lock()
	as, last := sm.active, sm.last
	var info SessionInfo
	var sess *coach.Session
	if as != nil {
		info, sess = as.info, as.sess
	}
	sm.mu.Unlock()

	st := Status{State: coach.StateIdle.String(), Last: last}
	if as == nil {
		return st
	}
	st.Active = true
	st.Session = &info
	if sess == nil {
		st.State = coach.StateConnecting.String()
		return st
	}
	turns := sess.Transcript()
	st.State = sess.State().String()
	st.Turns = len(turns)
	st.TranscriptChars = len(types.FormatTranscript(turns))
	st.Volume = sess.Volume()
	st.Speaking = sess.Speaking()
	return st
}

// Shutdown ends the active session, if any, and waits for it to finish.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	_, err := sm.End(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}
