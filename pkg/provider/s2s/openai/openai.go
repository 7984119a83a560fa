// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. Capture frames
// arrive at 16 kHz and are resampled to the 24 kHz PCM16 the API expects
// before being appended to the input audio buffer. Server voice activity
// detection decides when the user's turn ends.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts.
	wireRate = 24000

	defaultSendQueue   = 16
	defaultEventBuffer = 64

	transcriptionModel = "whisper-1"
	writeTimeout       = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithSendQueue sets how many outbound frames may wait for the socket.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// WithEventBuffer sets the capacity of the inbound event channel.
func WithEventBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	sendQueue   int
	eventBuffer int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		sendQueue:   defaultSendQueue,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint and sends session.update. [s2s.Opened]
// is emitted when the server confirms the update.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredentials
	}
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, p.eventBuffer),
		sendCh: make(chan audio.EncodedFrame, p.sendQueue),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(sessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.wg.Go(sess.sendLoop)
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetectionParams  `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string `json:"type"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func sessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetectionParams{Type: "server_vad", InterruptResponse: true},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested object of an "error" event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	sendCh chan audio.EncodedFrame

	mu     sync.Mutex
	closed bool

	// Owned by receiveLoop.
	opened     bool
	responding bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // sendLoop
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads server events and translates them. It owns the events
// channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.wg.Wait()
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed server event", "err", err)
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

func (s *session) finish(err error) {
	if s.ctx.Err() != nil {
		select {
		case s.events <- s2s.Closed{Reason: "closed by client"}:
		default:
		}
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		s.emit(s2s.Closed{Reason: "closed by server"})
		return
	}
	s.emit(s2s.Error{Err: fmt.Errorf("openai: read: %w", err)})
	s.emit(s2s.Closed{Reason: "transport error"})
}

// handleServerEvent returns false when the session must end.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		if s.opened {
			return true
		}
		s.opened = true
		return s.emit(s2s.Opened{})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: evt.Transcript})

	case "response.created":
		s.responding = true

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.PartialTranscript{Speaker: types.SpeakerAgent, Text: evt.Delta})

	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return true
		}
		if len(data) == 0 {
			return true
		}
		return s.emit(s2s.AudioData{Data: data, SampleRate: wireRate})

	case "input_audio_buffer.speech_started":
		// With interrupt_response the server cancels the reply on its own.
		if s.responding {
			s.responding = false
			return s.emit(s2s.Interrupted{})
		}

	case "response.done":
		if !s.responding {
			// Already reported as Interrupted.
			return true
		}
		s.responding = false
		return s.emit(s2s.TurnComplete{})

	case "error":
		return s.handleError(evt.Error)
	}
	return true
}

// handleError treats errors before the session is configured as fatal.
// Later errors concern a single client event and are only logged.
func (s *session) handleError(detail *serverErrorDetail) bool {
	msg := "unknown error"
	if detail != nil && detail.Message != "" {
		msg = detail.Message
	}
	if s.opened {
		slog.Warn("openai: server rejected event", "message", msg)
		return true
	}
	s.emit(s2s.Error{Err: fmt.Errorf("openai: server error: %s", msg)})
	s.emit(s2s.Closed{Reason: "server error"})
	s.conn.Close(websocket.StatusNormalClosure, "server error")
	return false
}

// sendLoop resamples queued frames to the wire rate and appends them to the
// input audio buffer. Write failures drop the frame.
func (s *session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendCh:
			pcm, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				slog.Debug("openai: dropping undecodable frame", "err", err)
				continue
			}
			rate := audio.RateFromMIME(frame.MIMEType, audio.InputSampleRate)
			pcm = audio.ResampleMono16(pcm, rate, wireRate)
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(pcm),
			}
			if err := s.writeJSON(msg); err != nil && s.ctx.Err() == nil {
				slog.Debug("openai: dropping audio frame", "err", err)
			}
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ctx.Err() != nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues an encoded frame for the send loop.
func (s *session) Send(frame audio.EncodedFrame) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		return s2s.ErrSendQueueFull
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// InjectTextContext adds each item as a conversation item. No response.create
// follows, so the model does not answer them.
func (s *session) InjectTextContext(items []s2s.ContextItem) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	for _, item := range items {
		role, partType := "user", "input_text"
		if item.Role == "model" || item.Role == "assistant" {
			role, partType = "assistant", "text"
		}
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    role,
				Content: []conversationPart{{Type: partType, Text: item.Content}},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return s2s.ErrSessionClosed
			}
			return fmt.Errorf("openai: inject context: %w", err)
		}
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
