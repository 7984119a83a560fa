package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s/gemini"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete reads the client's setup message and acknowledges it.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for one event from the session.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func pcmBase64(samples ...int16) string {
	raw := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		raw = append(raw, byte(s), byte(uint16(s)>>8))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_MissingCredentials(t *testing.T) {
	t.Parallel()

	p := gemini.New("")
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	got := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:        "You are a skeptical CFO.",
		Voice:               "Fenrir",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if key := <-keys; key != "test-api-key" {
		t.Errorf("key = %q", key)
	}
	select {
	case msg := <-got:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("modalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Fenrir" {
			t.Errorf("voice = %q", v)
		}
		if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "You are a skeptical CFO." {
			t.Errorf("system instruction = %+v", s.SystemInstruction)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("transcription flags not sent")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_FullTurn(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Hello there"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Hi,"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     pcmBase64(100, -100),
				}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if _, ok := nextEvent(t, h).(s2s.Opened); !ok {
		t.Fatal("first event is not Opened")
	}
	if ev, ok := nextEvent(t, h).(s2s.PartialTranscript); !ok || ev.Speaker != types.SpeakerUser || ev.Text != "Hello there" {
		t.Errorf("user partial = %#v", ev)
	}
	if ev, ok := nextEvent(t, h).(s2s.PartialTranscript); !ok || ev.Speaker != types.SpeakerAgent || ev.Text != "Hi," {
		t.Errorf("agent partial = %#v", ev)
	}
	ad, ok := nextEvent(t, h).(s2s.AudioData)
	if !ok {
		t.Fatal("expected AudioData")
	}
	if len(ad.Data) != 4 || ad.SampleRate != audio.OutputSampleRate {
		t.Errorf("audio = %d bytes @ %d", len(ad.Data), ad.SampleRate)
	}
	if _, ok := nextEvent(t, h).(s2s.TurnComplete); !ok {
		t.Error("expected TurnComplete")
	}
}

func TestEvents_Interrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // Opened
	if _, ok := nextEvent(t, h).(s2s.Interrupted); !ok {
		t.Error("expected Interrupted")
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "API key not valid"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // Opened
	ev, ok := nextEvent(t, h).(s2s.Error)
	if !ok || !strings.Contains(ev.Err.Error(), "API key not valid") {
		t.Fatalf("expected Error event, got %#v", ev)
	}
	if _, ok := nextEvent(t, h).(s2s.Closed); !ok {
		t.Error("expected Closed after Error")
	}
	select {
	case _, open := <-h.Events():
		if open {
			t.Error("events channel should be closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestEvents_ServerCloseEmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // Opened
	if _, ok := nextEvent(t, h).(s2s.Closed); !ok {
		t.Error("expected Closed")
	}
}

func TestEvents_MalformedMessageSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // Opened
	if _, ok := nextEvent(t, h).(s2s.TurnComplete); !ok {
		t.Error("malformed message should be skipped")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type mediaMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan mediaMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var msg mediaMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	frame := audio.Encode([]float32{0.5, -0.5})
	if err := h.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-got:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 || chunks[0].MIMEType != "audio/pcm;rate=16000" || chunks[0].Data != frame.Data {
			t.Errorf("media chunks = %+v", chunks)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSend_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = h.Close()

	if err := h.Send(audio.Encode([]float32{0})); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after close = %v, want ErrSessionClosed", err)
	}
	if err := h.InjectTextContext([]s2s.ContextItem{{Role: "user", Content: "x"}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("InjectTextContext after close = %v, want ErrSessionClosed", err)
	}
}

func TestConcurrentSend_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv)), gemini.WithSendQueue(4)).
		Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	frame := audio.Encode(make([]float32, 64))
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 20 {
				err := h.Send(frame)
				if err != nil && !errors.Is(err, s2s.ErrSendQueueFull) {
					t.Errorf("Send: %v", err)
				}
			}
		})
	}
	wg.Wait()
}

// ── InjectTextContext / Close ─────────────────────────────────────────────────

func TestInjectTextContext_SendsClientContent(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	got := make(chan contentMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var msg contentMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	err = h.InjectTextContext([]s2s.ContextItem{
		{Role: "user", Content: "What's the price?"},
		{Role: "model", Content: "It depends on seats."},
	})
	if err != nil {
		t.Fatalf("InjectTextContext: %v", err)
	}

	select {
	case msg := <-got:
		turns := msg.ClientContent.Turns
		if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "model" {
			t.Fatalf("turns = %+v", turns)
		}
		if turns[1].Parts[0].Text != "It depends on seats." {
			t.Errorf("text = %q", turns[1].Parts[0].Text)
		}
		if msg.ClientContent.TurnComplete {
			t.Error("history injection must not complete the turn")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for clientContent")
	}
}

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after Close")
		}
	}
}
