// Package live defines the Provider interface for real-time multimodal
// streaming endpoints.
//
// A live provider opens a duplex session with a remote model: the client
// streams realtime audio and image chunks, and the endpoint streams back
// audio, transcripts of both sides of the conversation, and turn-taking
// control events. Sessions are long-lived (seconds to minutes) and carry no
// state beyond what the endpoint keeps.
//
// The wire contract is vendor-neutral. Implementations live in the gemini,
// genai and openai subpackages; mock provides a scripted test double.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [Session.SendRealtime] after the session
// has been closed.
var ErrSessionClosed = errors.New("live: session closed")

// EventKind classifies an [Event] received from the endpoint.
type EventKind int

const (
	// EventOpen is emitted once when the endpoint acknowledges the session.
	EventOpen EventKind = iota

	// EventAudioDelta carries one chunk of model audio.
	EventAudioDelta

	// EventInputTranscript carries a fragment of the user's recognised speech.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the model's spoken reply.
	EventOutputTranscript

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted reports that the endpoint detected barge-in and
	// abandoned the current reply.
	EventInterrupted

	// EventError reports a protocol or transport error. The session should be
	// treated as failed.
	EventError

	// EventClose is always the last event. Err is nil for an orderly close.
	EventClose
)

// String returns the wire-style name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventAudioDelta:
		return "audio-delta"
	case EventInputTranscript:
		return "input-transcript-delta"
	case EventOutputTranscript:
		return "output-transcript-delta"
	case EventTurnComplete:
		return "turn-complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one message from the endpoint.
type Event struct {
	Kind EventKind

	// Audio is the base64-encoded 16-bit PCM payload of an
	// [EventAudioDelta], exactly as received. Decoding is the consumer's
	// job so that one malformed chunk can be dropped on its own.
	Audio string

	// SampleRate is the rate of Audio. Zero means 24 kHz.
	SampleRate int

	// Text is the transcript fragment of a transcript event.
	Text string

	// Err is set for [EventError] and for an [EventClose] caused by a
	// dropped connection.
	Err error
}

// MediaChunk is one realtime chunk sent to the endpoint.
type MediaChunk struct {
	// Data is the base64-encoded payload.
	Data string

	// MIMEType is "audio/pcm;rate=16000" or "image/jpeg".
	MIMEType string
}

// SessionConfig is the configuration of a new session. The response
// modality is always audio.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Instructions is the system instruction (persona and behaviour).
	Instructions string

	// Voice is the provider-specific prebuilt voice name.
	Voice string

	// InputTranscription enables transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcripts of the model's speech.
	OutputTranscription bool
}

// Session is an open duplex session.
//
// SendRealtime may be called concurrently with itself and with Close. The
// Events channel is closed after the final [EventClose].
type Session interface {
	// SendRealtime transmits one audio or image chunk. Chunks are sent in
	// call order. Returns [ErrSessionClosed] after Close.
	SendRealtime(chunk MediaChunk) error

	// Events returns the channel of endpoint events.
	Events() <-chan Event

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens sessions against one endpoint.
type Provider interface {
	// Connect dials the endpoint and sends the session setup. The returned
	// session emits [EventOpen] once the endpoint acknowledges it. ctx governs
	// the connection attempt only.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
