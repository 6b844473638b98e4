// Package live defines the Provider interface for real-time conversational
// voice services.
//
// A live provider wraps a service that accepts streamed microphone audio and
// answers with synthesised speech, transcriptions of both sides of the
// conversation, and tool calls, all over one long-lived bidirectional
// session. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Session]: audio goes out through SendAudio and
// everything the service says comes back as [Message] values on a single
// ordered channel. Delivering all inbound events on one channel keeps their
// arrival order intact for the consumer.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/sparky/pkg/audio"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("live: session closed")

// ToolDefinition describes a function the model may call during a session.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Zephyr").
	Voice string

	// Instructions is the system instruction that defines the persona.
	Instructions string

	// Tools offered to the model for the lifetime of the session.
	Tools []ToolDefinition

	// InputTranscription asks the service to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the service to transcribe its own speech.
	OutputTranscription bool
}

// Transcription carries a streamed transcription delta.
type Transcription struct {
	Text string
}

// InlineAudio is one synthesised audio payload as delivered by the service:
// base64 encoded little-endian PCM16.
type InlineAudio struct {
	MIMEType string
	Data     string

	// Format of the decoded samples.
	Format audio.Format
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers a [ToolCall].
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Message is one inbound event from the service. Any combination of fields
// may be set on a single message.
type Message struct {
	InputTranscription  *Transcription
	OutputTranscription *Transcription
	TurnComplete        bool
	Interrupted         bool
	Audio               *InlineAudio
	ToolCalls           []ToolCall
}

// Empty reports whether m carries nothing actionable.
func (m Message) Empty() bool {
	return m.InputTranscription == nil && m.OutputTranscription == nil &&
		!m.TurnComplete && !m.Interrupted && m.Audio == nil && len(m.ToolCalls) == 0
}

// TransportError reports a failure of the live session itself: a protocol
// error sent by the service, an unexpected disconnect or a failed write.
type TransportError struct {
	// Provider is the short provider name, e.g. "gemini".
	Provider string

	// Code is the service-assigned error code, when one was sent.
	Code int

	Err error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: transport error %d: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Session is an open live session. It is an interface so that test code can
// supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio delivers one encoded capture packet to the service.
	SendAudio(ctx context.Context, p audio.Packet) error

	// SendToolResponse answers one or more tool calls.
	SendToolResponse(ctx context.Context, responses ...ToolResponse) error

	// Messages returns the ordered stream of inbound events. The channel is
	// closed when the session ends; check [Session.Err] afterwards.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil if it closed
	// cleanly. Errors are of type *[TransportError].
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any live voice backend.
type Provider interface {
	// Connect opens a session and returns once the service has accepted the
	// session configuration and is ready for audio.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name returns the short provider name used in logs and metrics.
	Name() string
}
