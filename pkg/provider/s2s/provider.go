// Package s2s defines the contract for a speech-to-speech conversational
// transport: one persistent, bidirectional session with a remote model that
// consumes streamed microphone audio and answers with synthesised speech.
//
// Inbound traffic is delivered as a closed sum type of [Event] values on a
// single channel, so the session controller can consume everything in one
// dispatch loop. Outbound audio is fire-and-forget: [SessionHandle.Send]
// queues the frame and returns immediately.
//
// The transport never reconnects on its own. A failure is reported once as an
// [Error] event followed by [Closed], and the events channel is then closed.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

var (
	// ErrSessionClosed is returned by Send and InjectTextContext after Close
	// or after the remote side ended the session.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrSendQueueFull is returned by Send when the outbound queue is saturated.
	// The frame is dropped.
	ErrSendQueueFull = errors.New("s2s: send queue full")

	// ErrMissingCredentials is returned by Connect when no API key is configured.
	ErrMissingCredentials = errors.New("s2s: missing credentials")
)

// Event is one inbound server event. The concrete types are [Opened],
// [PartialTranscript], [AudioData], [TurnComplete], [Interrupted], [Closed]
// and [Error].
type Event interface {
	isEvent()
}

// Opened is emitted once when the remote side has accepted the session setup.
type Opened struct{}

// PartialTranscript is an incremental transcription fragment.
type PartialTranscript struct {
	Speaker types.Speaker
	Text    string
}

// AudioData is a chunk of synthesised model speech.
type AudioData struct {
	// Data is raw little-endian PCM16 mono.
	Data []byte

	// SampleRate is the rate declared by the server, usually
	// [audio.OutputSampleRate].
	SampleRate int
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

// Interrupted reports that the server detected the user talking over the
// model and abandoned the rest of its turn.
type Interrupted struct{}

// Closed is the last event before the channel closes.
type Closed struct {
	Reason string
}

// Error reports a terminal transport failure. It is followed by [Closed].
type Error struct {
	Err error
}

func (Opened) isEvent()            {}
func (PartialTranscript) isEvent() {}
func (AudioData) isEvent()         {}
func (TurnComplete) isEvent()      {}
func (Interrupted) isEvent()       {}
func (Closed) isEvent()            {}
func (Error) isEvent()             {}

// ContextItem is a text turn injected into the session's context, e.g. prior
// messages restored from storage.
type ContextItem struct {
	// Role is "user" or "model".
	Role string

	Content string
}

// SessionConfig is the configuration a session is opened with.
type SessionConfig struct {
	// Instructions is the system instruction (persona, knowledge base, hidden
	// state and user documents).
	Instructions string

	// Voice is the provider's voice identity, e.g. "Fenrir" or "Zephyr".
	Voice string

	// InputTranscription enables transcription of the user's audio.
	InputTranscription bool

	// OutputTranscription enables transcription of the model's audio.
	OutputTranscription bool
}

// SessionHandle is an open session.
type SessionHandle interface {
	// Send queues an encoded capture frame. It never blocks; when the queue is
	// full or the session is closed the frame is dropped and an error returned.
	Send(frame audio.EncodedFrame) error

	// Events returns the inbound event stream. It is closed after [Closed].
	Events() <-chan Event

	// InjectTextContext appends text turns to the remote context without
	// asking the model to respond.
	InjectTextContext(items []ContextItem) error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider opens sessions.
type Provider interface {
	// Connect dials the remote endpoint and sends the session setup. It
	// returns once the connection is established; acceptance of the setup is
	// reported asynchronously as [Opened].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
