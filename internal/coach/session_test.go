package coach

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/pkg/audio"
	audiomock "github.com/salesarchitect/voicecoach/pkg/audio/mock"
	"github.com/salesarchitect/voicecoach/pkg/audio/playback"
	memmock "github.com/salesarchitect/voicecoach/pkg/memory/mock"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
	s2smock "github.com/salesarchitect/voicecoach/pkg/provider/s2s/mock"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

const testFrame = 400

var goodMetrics = types.PerformanceMetrics{
	EngagementScore:       82,
	ObjectionsHandled:     2,
	ConversionProbability: 64,
	Feedback:              "Solid discovery. Close with a clearer next step.",
}

type harness struct {
	prov   *s2smock.Provider
	tr     *s2smock.Session
	mic    *audiomock.Microphone
	out    *playback.SimOutput
	store  *memmock.Store
	scores atomic.Int32
	s      *Session
}

type harnessOpt func(*harness, *Config, *Deps)

func withStore(store *memmock.Store) harnessOpt {
	return func(h *harness, _ *Config, d *Deps) {
		h.store = store
		d.Store = store
	}
}

func withScorer(fn analysis.ScorerFunc) harnessOpt {
	return func(h *harness, _ *Config, d *Deps) {
		d.Scorer = analysis.ScorerFunc(func(ctx context.Context, req analysis.Request) (types.PerformanceMetrics, error) {
			h.scores.Add(1)
			return fn(ctx, req)
		})
	}
}

func withConfig(fn func(*Config)) harnessOpt {
	return func(_ *harness, c *Config, _ *Deps) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		tr:  s2smock.NewSession(64),
		mic: &audiomock.Microphone{},
		out: playback.NewSimOutput(),
	}
	h.prov = &s2smock.Provider{Session: h.tr}

	cfg := Config{
		UserID:    "user-1",
		Settings:  types.Settings{Mode: types.ModeCoaching, Voice: types.VoiceFemale},
		FrameSize: testFrame,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	}
	deps := Deps{Provider: h.prov, Microphone: h.mic, Output: h.out}
	withScorer(func(context.Context, analysis.Request) (types.PerformanceMetrics, error) {
		return goodMetrics, nil
	})(h, &cfg, &deps)
	for _, o := range opts {
		o(h, &cfg, &deps)
	}

	s, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	t.Cleanup(func() {
		_ = s.End()
		s.Wait()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	h.start(t)
	h.tr.Emit(s2s.Opened{})
	eventually(t, "state active", func() bool { return h.s.State() == StateActive })
}

// frame returns a capture frame whose volume proxy is 5*amp.
func frame(amp float32) []float32 {
	f := make([]float32, testFrame)
	for i := range f {
		f[i] = amp
	}
	return f
}

// pcm returns silent model audio lasting secs at 24 kHz.
func pcm(secs float64) s2s.AudioData {
	n := int(math.Round(secs * audio.OutputSampleRate))
	return s2s.AudioData{Data: make([]byte, 2*n), SampleRate: audio.OutputSampleRate}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitOutcome(t *testing.T, s *Session) Outcome {
	t.Helper()
	select {
	case o := <-s.Outcome():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"provider", "microphone", "output", "scorer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestStart_SetupErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
		micUsed bool
	}{
		{
			name:    "missing credentials",
			setup:   func(h *harness) { h.prov.ConnectErr = fmt.Errorf("gemini: %w", s2s.ErrMissingCredentials) },
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "connect failure",
			setup:   func(h *harness) { h.prov.ConnectErr = errors.New("dial tcp: refused") },
			wantErr: nil,
		},
		{
			name:    "microphone denied",
			setup:   func(h *harness) { h.mic.StartErr = errors.New("permission denied") },
			wantErr: ErrMicrophone,
			micUsed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tt.setup(h)

			err := h.s.Start(context.Background())
			if err == nil {
				t.Fatal("Start succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if h.s.State() != StateError {
				t.Errorf("state = %v, want error", h.s.State())
			}
			if got := h.mic.StartCalls > 0; got != tt.micUsed {
				t.Errorf("microphone started = %v, want %v", got, tt.micUsed)
			}
			if tt.micUsed && h.tr.CloseCalls() == 0 {
				t.Error("transport left open after microphone failure")
			}
			o := waitOutcome(t, h.s)
			if o.State != StateError || o.Err == nil {
				t.Errorf("outcome = %+v", o)
			}
			if err := h.s.End(); !errors.Is(err, ErrSessionEnded) {
				t.Errorf("End after failure = %v, want ErrSessionEnded", err)
			}
		})
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	if err := h.s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_ConfiguresTransport(t *testing.T) {
	t.Parallel()

	store := memmock.NewStore()
	_ = store.AddDocument(context.Background(), "user-1", types.Document{Filename: "pricing.md", Content: "Starter plan is 49 dollars."})
	h := newHarness(t, withStore(store), withConfig(func(c *Config) {
		c.Settings = types.Settings{Mode: types.ModeRoleplay, Persona: "Skeptical CFO", Intensity: types.IntensityHard, Voice: types.VoiceMale}
	}))
	h.start(t)

	calls := h.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("connect calls = %d", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Voice != "Fenrir" {
		t.Errorf("voice = %q, want Fenrir", cfg.Voice)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not requested")
	}
	hidden := h.s.Hidden()
	for _, want := range []string{"Skeptical CFO", hidden.BudgetCap, hidden.HiddenCompetitor, "Starter plan is 49 dollars."} {
		if want == "" || !strings.Contains(cfg.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	if _, ok := store.Session(h.s.SessionID()); !ok {
		t.Error("session record not created")
	}
}

func TestOpened_SendsCapturedFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.mic.Push(frame(0.01))
	h.mic.Push(frame(0.01)[:testFrame/2])
	h.mic.Push(frame(0.01)[:testFrame/2])

	eventually(t, "two frames sent", func() bool { return len(h.tr.Sent()) == 2 })
	want := audio.FloatToPCM16(frame(0.01))
	for i, f := range h.tr.Sent() {
		if f.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d: mime = %q", i, f.MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			t.Fatalf("frame %d: decode base64: %v", i, err)
		}
		if len(got) != 2*testFrame {
			t.Errorf("frame %d: pcm bytes = %d, want %d", i, len(got), 2*testFrame)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: pcm payload differs from the captured samples", i)
		}
	}
}

func TestSendErrorsAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.SendErr = s2s.ErrSendQueueFull
	h.open(t)

	h.mic.Push(frame(0.01))
	h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "still here"}, s2s.TurnComplete{})
	eventually(t, "turn sealed", func() bool { return len(h.s.Transcript()) == 1 })
	if h.s.State() != StateActive {
		t.Errorf("state = %v, want active", h.s.State())
	}
}

func TestPlayback_EndToEndScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.tr.Emit(pcm(0.5), pcm(0.3), pcm(0.4))
	eventually(t, "three buffers live", func() bool { return h.s.playback.Live() == 3 })

	if got := h.s.playback.NextStartTime(); math.Abs(got-1.2) > 1e-6 {
		t.Errorf("cursor = %v, want 1.2", got)
	}
	if !h.s.Speaking() {
		t.Error("not speaking with live buffers")
	}

	h.out.Advance(0.6)
	if got := h.s.playback.Live(); got != 2 {
		t.Errorf("live after 0.6s = %d, want 2", got)
	}
	h.out.Advance(0.6)
	if got := h.s.playback.Live(); got != 0 {
		t.Errorf("live after 1.2s = %d, want 0", got)
	}
	if h.s.Speaking() {
		t.Error("still speaking after drain")
	}
}

func TestBargeIn_Threshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerAgent, Text: "As I was say"}, pcm(1), pcm(1))
	eventually(t, "model speaking", func() bool { return h.s.playback.Live() == 2 })

	// 0.03 * 5 = 0.15: below threshold.
	h.mic.Push(frame(0.03))
	eventually(t, "quiet frame sent", func() bool { return len(h.tr.Sent()) == 1 })
	if got := h.s.playback.Live(); got != 2 {
		t.Fatalf("quiet frame flushed playback: live = %d", got)
	}
	if h.s.bargeIn.Triggers() != 0 {
		t.Fatal("quiet frame triggered barge-in")
	}

	// 0.05 * 5 = 0.25: above threshold.
	h.mic.Push(frame(0.05))
	eventually(t, "loud frame sent", func() bool { return len(h.tr.Sent()) == 2 })
	if got := h.s.playback.Live(); got != 0 {
		t.Errorf("live after barge-in = %d, want 0", got)
	}
	if got := h.s.playback.NextStartTime(); got != 0 {
		t.Errorf("cursor after barge-in = %v, want 0", got)
	}
	if got := h.s.bargeIn.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
	if got := h.s.transcript.Pending(types.SpeakerAgent); got != "" {
		t.Errorf("agent partial kept after barge-in: %q", got)
	}

	// Nothing playing: loud speech is just speech.
	h.mic.Push(frame(0.05))
	eventually(t, "third frame sent", func() bool { return len(h.tr.Sent()) == 3 })
	if got := h.s.bargeIn.Triggers(); got != 1 {
		t.Errorf("triggers while silent = %d, want 1", got)
	}
}

func TestServerInterruption(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.tr.Emit(
		s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "I th"},
		s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "ink we"},
		s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: " should"},
		s2s.TurnComplete{},
		s2s.PartialTranscript{Speaker: types.SpeakerAgent, Text: "Let me tell you about"},
		pcm(0.5),
		s2s.Interrupted{},
		s2s.PartialTranscript{Speaker: types.SpeakerAgent, Text: "Sure, go ahead."},
		s2s.TurnComplete{},
	)
	eventually(t, "two turns", func() bool { return len(h.s.Transcript()) == 2 })

	want := []types.TranscriptTurn{
		{Speaker: types.SpeakerUser, Text: "I think we should"},
		{Speaker: types.SpeakerAgent, Text: "Sure, go ahead."},
	}
	got := h.s.Transcript()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if live := h.s.playback.Live(); live != 0 {
		t.Errorf("live after interruption = %d, want 0", live)
	}
}

func TestDecodeErrorDropsFrameOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.tr.Emit(s2s.AudioData{Data: []byte{1, 2, 3}}, pcm(0.2))
	eventually(t, "valid buffer scheduled", func() bool { return h.s.playback.Live() == 1 })
	if h.s.State() != StateActive {
		t.Errorf("state = %v, want active", h.s.State())
	}
}

func TestTransportError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)
	h.tr.Emit(pcm(1))
	eventually(t, "buffer live", func() bool { return h.s.playback.Live() == 1 })

	h.tr.Emit(s2s.Error{Err: errors.New("quota exceeded")})
	o := waitOutcome(t, h.s)
	if o.State != StateError || !strings.Contains(o.Err.Error(), "quota exceeded") {
		t.Errorf("outcome = %+v", o)
	}
	if h.mic.Running() {
		t.Error("microphone still running")
	}
	if h.s.playback.Live() != 0 {
		t.Error("playback not stopped")
	}
	if err := h.s.End(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("End = %v, want ErrSessionEnded", err)
	}
}

func TestClosedBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	h.tr.Finish("rejected")

	o := waitOutcome(t, h.s)
	if o.State != StateError {
		t.Errorf("state = %v, want error", o.State)
	}
}

func TestClosedWhileActiveStaysActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)
	h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "hello"})
	h.tr.Finish("closed by server")

	time.Sleep(20 * time.Millisecond)
	if h.s.State() != StateActive {
		t.Fatalf("state = %v, want active", h.s.State())
	}
	if err := h.s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitOutcome(t, h.s)
}

func TestEnd_StopsAudioSynchronously(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)
	h.tr.Emit(pcm(0.5), pcm(0.3), pcm(0.4))
	eventually(t, "buffers live", func() bool { return h.s.playback.Live() == 3 })

	if err := h.s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if h.mic.Running() {
		t.Error("microphone running after End")
	}
	if got := h.s.playback.Live(); got != 0 {
		t.Errorf("live after End = %d, want 0", got)
	}
	if got := h.out.Pending(); got != 0 {
		t.Errorf("output still holds %d buffers", got)
	}
	if st := h.s.State(); st == StateActive || st == StateConnecting {
		t.Errorf("state = %v after End", st)
	}
	if err := h.s.End(); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("second End = %v, want ErrSessionEnded", err)
	}
}

func TestEnd_MinimumLengthGate(t *testing.T) {
	t.Parallel()

	// "user: " is 6 characters, so these lines serialize to 49 and 50.
	short := strings.Repeat("a", 43)
	exact := strings.Repeat("a", 44)

	tests := []struct {
		name       string
		text       string
		wantState  State
		wantScores int32
	}{
		{"below gate", short, StateClosed, 0},
		{"at gate", exact, StateSummary, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.open(t)
			h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: tt.text})
			eventually(t, "partial", func() bool { return h.s.transcript.Pending(types.SpeakerUser) == tt.text })

			if err := h.s.End(); err != nil {
				t.Fatalf("End: %v", err)
			}
			o := waitOutcome(t, h.s)
			h.s.Wait()
			if o.State != tt.wantState {
				t.Errorf("state = %v, want %v", o.State, tt.wantState)
			}
			if got := h.scores.Load(); got != tt.wantScores {
				t.Errorf("scoring calls = %d, want %d", got, tt.wantScores)
			}
			if (o.Metrics != nil) != (tt.wantState == StateSummary) {
				t.Errorf("metrics = %v", o.Metrics)
			}
		})
	}
}

func TestEnd_ScoresAndPersists(t *testing.T) {
	t.Parallel()

	var gotReq analysis.Request
	store := memmock.NewStore()
	h := newHarness(t, withStore(store), withScorer(func(_ context.Context, req analysis.Request) (types.PerformanceMetrics, error) {
		gotReq = req
		return goodMetrics, nil
	}))
	h.open(t)
	h.tr.Emit(
		s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "We cut onboarding time in half for teams like yours."},
		s2s.TurnComplete{},
		s2s.PartialTranscript{Speaker: types.SpeakerAgent, Text: "What would that cost us?"},
	)
	eventually(t, "agent partial", func() bool { return h.s.transcript.Pending(types.SpeakerAgent) != "" })

	if err := h.s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	o := waitOutcome(t, h.s)
	h.s.Wait()

	if o.State != StateSummary || o.Metrics == nil || !reflect.DeepEqual(*o.Metrics, goodMetrics) {
		t.Fatalf("outcome = %+v", o)
	}
	if len(o.Transcript) != 2 {
		t.Errorf("transcript turns = %d, want 2 (open agent partial flushed)", len(o.Transcript))
	}
	if gotReq.Mode != types.ModeCoaching || !strings.Contains(gotReq.Transcript, "agent: What would that cost us?") || gotReq.Knowledge == "" {
		t.Errorf("scoring request = %+v", gotReq)
	}

	id := h.s.SessionID()
	msgs := store.Messages(id)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "model" {
		t.Errorf("persisted messages = %+v", msgs)
	}
	if m, ok := store.Metrics(id); !ok || !reflect.DeepEqual(m, goodMetrics) {
		t.Errorf("persisted metrics = %+v, %v", m, ok)
	}
	if h.s.Metrics() == nil {
		t.Error("Metrics() nil in summary state")
	}
	if h.tr.CloseCalls() == 0 {
		t.Error("transport not closed")
	}
}

func TestEnd_ScoringFailureClosesWithoutSummary(t *testing.T) {
	t.Parallel()

	store := memmock.NewStore()
	h := newHarness(t, withStore(store), withScorer(func(context.Context, analysis.Request) (types.PerformanceMetrics, error) {
		return types.PerformanceMetrics{}, analysis.ErrUnparseable
	}))
	h.open(t)
	h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: strings.Repeat("pitch ", 20)})
	eventually(t, "partial", func() bool { return h.s.transcript.Pending(types.SpeakerUser) != "" })

	_ = h.s.End()
	o := waitOutcome(t, h.s)
	h.s.Wait()
	if o.State != StateClosed || !errors.Is(o.Err, analysis.ErrUnparseable) {
		t.Errorf("outcome = %+v", o)
	}
	if n := store.CallCount("InsertMessages"); n != 1 {
		t.Errorf("InsertMessages calls = %d, want 1", n)
	}
	if n := store.CallCount("InsertSessionMetrics"); n != 0 {
		t.Errorf("InsertSessionMetrics calls = %d, want 0", n)
	}
}

func TestEnd_PersistenceFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	store := memmock.NewStore()
	store.InsertMessagesErr = errors.New("db down")
	store.InsertSessionMetricsErr = errors.New("db down")
	h := newHarness(t, withStore(store))
	h.open(t)
	h.tr.Emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: strings.Repeat("value ", 20)})
	eventually(t, "partial", func() bool { return h.s.transcript.Pending(types.SpeakerUser) != "" })

	_ = h.s.End()
	if o := waitOutcome(t, h.s); o.State != StateSummary {
		t.Errorf("state = %v, want summary", o.State)
	}
}

func TestOpened_SeedsResumedSession(t *testing.T) {
	t.Parallel()

	store := memmock.NewStore()
	_ = store.InsertMessages(context.Background(), "resume-1", []types.Message{
		{Role: "user", Content: "first"},
		{Role: "model", Content: "second"},
		{Role: "user", Content: "third"},
	})
	h := newHarness(t, withStore(store), withConfig(func(c *Config) {
		c.SessionID = "resume-1"
		c.RecentMessages = 2
	}))
	h.open(t)

	eventually(t, "context injected", func() bool { return len(h.tr.Injected()) == 1 })
	items := h.tr.Injected()[0]
	if len(items) != 2 || items[0].Content != "second" || items[1].Content != "third" {
		t.Errorf("injected = %+v", items)
	}
	if n := store.CallCount("CreateSession"); n != 0 {
		t.Errorf("CreateSession called %d times for resumed session", n)
	}
}

func TestStateHookSequence(t *testing.T) {
	t.Parallel()

	states := make(chan State, 8)
	h := newHarness(t)
	s, err := New(Deps{Provider: h.prov, Microphone: h.mic, Output: h.out, Scorer: h.s.deps.Scorer},
		Config{FrameSize: testFrame},
		WithStateHook(func(st State, _ error) { states <- st }))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.tr.Emit(s2s.Opened{})
	eventually(t, "active", func() bool { return s.State() == StateActive })
	_ = s.End()
	waitOutcome(t, s)
	s.Wait()

	want := []State{StateConnecting, StateActive, StateAnalyzing, StateClosed}
	for i, w := range want {
		select {
		case got := <-states:
			if got != w {
				t.Errorf("transition %d = %v, want %v", i, got, w)
			}
		default:
			t.Fatalf("missing transition %d (%v)", i, w)
		}
	}
}
