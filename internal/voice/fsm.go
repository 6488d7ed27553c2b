// Package voice runs one realtime voice-and-vision session against a live
// endpoint.
//
// The session logic is a pure state machine: [Transition] maps a [State] and
// an [Event] to the next state plus a list of [Effect] values. It performs
// no I/O and is safe to test exhaustively. [Controller] is the thin adapter
// that owns the devices, the endpoint session, the playback scheduler and
// the frame sampler, turns their callbacks into events on a single event
// loop and executes the resulting effects.
package voice

import (
	"strings"

	"github.com/MrWong99/livesight/internal/sink"
	"github.com/MrWong99/livesight/pkg/vision"
)

// Phase is the top-level session state.
type Phase int

const (
	// PhaseIdle is the state before Start.
	PhaseIdle Phase = iota

	// PhaseConnecting covers microphone acquisition and the endpoint
	// handshake.
	PhaseConnecting

	// PhaseOpen is an acknowledged session.
	PhaseOpen

	// PhaseClosed is an orderly end.
	PhaseClosed

	// PhaseError is a failed session. It is terminal; a new session must be
	// created to retry.
	PhaseError
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool { return p == PhaseClosed || p == PhaseError }

// Expression is the avatar expression derived from the session state.
type Expression string

const (
	ExprIdle      Expression = "idle"
	ExprListening Expression = "listening"
	ExprSpeaking  Expression = "speaking"
	ExprThinking  Expression = "thinking"
)

// Share error texts shown to the user when screen sharing cannot start.
const (
	ShareErrPermission  = "Permission denied. Check system screen-recording settings."
	ShareErrUnavailable = "Screen sharing unavailable."
)

// State is the complete mutable session record. It is a value: [Transition]
// returns a new State and never mutates its argument's shared data.
type State struct {
	Phase Phase

	// Capturing is set while microphone frames are being streamed.
	Capturing bool

	// Screen is set while the frame sampler is streaming.
	Screen bool

	// ShareRequested is set between a share request and its outcome.
	ShareRequested bool

	Muted bool

	// Pending is the number of scheduled playback buffers.
	Pending int

	// InputText and OutputText accumulate the transcripts of the current
	// turn.
	InputText  string
	OutputText string

	// ErrText describes why the session entered PhaseError.
	ErrText string

	// ShareErr is the user-facing reason the last share request failed.
	ShareErr string

	// TornDown is set once teardown has been requested.
	TornDown bool
}

// Expression derives the avatar expression.
func (s State) Expression() Expression {
	switch {
	case s.Phase == PhaseError:
		return ExprThinking
	case s.Pending > 0:
		return ExprSpeaking
	case s.Capturing:
		return ExprListening
	default:
		return ExprIdle
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

// Event is an input to [Transition].
type Event interface{ isEvent() }

type (
	// EvStart begins the session.
	EvStart struct{}

	// EvMicReady reports that the microphone was acquired.
	EvMicReady struct{}

	// EvMicFailed reports that the microphone could not be acquired.
	EvMicFailed struct{ Err error }

	// EvMicEnded reports that the microphone stream stopped on its own.
	EvMicEnded struct{}

	// EvConnectFailed reports that dialing the endpoint failed.
	EvConnectFailed struct{ Err error }

	// EvOpen is the endpoint acknowledgment.
	EvOpen struct{}

	// EvAudioCaptured carries one microphone window.
	EvAudioCaptured struct {
		Samples    []float32
		SampleRate int
	}

	// EvSetMuted toggles the user mute flag.
	EvSetMuted struct{ Muted bool }

	// EvShareRequested asks to start screen sharing.
	EvShareRequested struct{}

	// EvShareReady reports that the display stream was acquired.
	EvShareReady struct{}

	// EvShareFailed reports that the display stream could not be acquired.
	// Permission distinguishes a denial from an unavailable backend.
	EvShareFailed struct {
		Err        error
		Permission bool
	}

	// EvShareStopped asks to stop screen sharing.
	EvShareStopped struct{}

	// EvScreenEnded reports that the display track ended on its own.
	EvScreenEnded struct{}

	// EvFrame carries one sampled screen frame.
	EvFrame struct{ Frame vision.Frame }

	// EvAudioDelta carries one chunk of model audio, still base64-encoded.
	EvAudioDelta struct {
		Audio      string
		SampleRate int
	}

	// EvPlaybackChanged reports the current number of scheduled buffers.
	EvPlaybackChanged struct{ Pending int }

	// EvInputTranscript appends to the user transcript.
	EvInputTranscript struct{ Text string }

	// EvOutputTranscript appends to the assistant transcript.
	EvOutputTranscript struct{ Text string }

	// EvTurnComplete ends the current turn.
	EvTurnComplete struct{}

	// EvInterrupted reports barge-in.
	EvInterrupted struct{}

	// EvEndpointError reports an endpoint error event.
	EvEndpointError struct{ Err error }

	// EvEndpointClosed reports the end of the endpoint stream. Err is nil
	// for an orderly close.
	EvEndpointClosed struct{ Err error }

	// EvClose is an explicit user exit.
	EvClose struct{}
)

func (EvStart) isEvent()            {}
func (EvMicReady) isEvent()         {}
func (EvMicFailed) isEvent()        {}
func (EvMicEnded) isEvent()         {}
func (EvConnectFailed) isEvent()    {}
func (EvOpen) isEvent()             {}
func (EvAudioCaptured) isEvent()    {}
func (EvSetMuted) isEvent()         {}
func (EvShareRequested) isEvent()   {}
func (EvShareReady) isEvent()       {}
func (EvShareFailed) isEvent()      {}
func (EvShareStopped) isEvent()     {}
func (EvScreenEnded) isEvent()      {}
func (EvFrame) isEvent()            {}
func (EvAudioDelta) isEvent()       {}
func (EvPlaybackChanged) isEvent()  {}
func (EvInputTranscript) isEvent()  {}
func (EvOutputTranscript) isEvent() {}
func (EvTurnComplete) isEvent()     {}
func (EvInterrupted) isEvent()      {}
func (EvEndpointError) isEvent()    {}
func (EvEndpointClosed) isEvent()   {}
func (EvClose) isEvent()            {}

// ── Effects ───────────────────────────────────────────────────────────────────

// Effect is an instruction produced by [Transition] for the adapter.
type Effect interface{ isEffect() }

type (
	// EffAcquireMic opens the microphone.
	EffAcquireMic struct{}

	// EffConnect dials the endpoint.
	EffConnect struct{}

	// EffStartCapture begins streaming microphone frames.
	EffStartCapture struct{}

	// EffSendAudio encodes and transmits one microphone window.
	EffSendAudio struct {
		Samples    []float32
		SampleRate int
	}

	// EffDrop records a discarded chunk or frame.
	EffDrop struct{ Reason string }

	// EffAcquireDisplay opens the display stream.
	EffAcquireDisplay struct{}

	// EffStartSampler starts the frame sampler on the acquired display.
	EffStartSampler struct{}

	// EffStopScreen stops the sampler and releases the display.
	EffStopScreen struct{}

	// EffSendImage transmits one frame.
	EffSendImage struct{ Frame vision.Frame }

	// EffPlay decodes and schedules one chunk of model audio.
	EffPlay struct {
		Audio      string
		SampleRate int
	}

	// EffInterruptPlayback stops every scheduled buffer.
	EffInterruptPlayback struct{}

	// EffDeliver hands one finalized message to the sink.
	EffDeliver struct {
		Role    sink.Role
		Content string
	}

	// EffLogError records a failure that ended the session.
	EffLogError struct{ Err error }

	// EffTeardown releases every resource of the session. It is emitted at
	// most once.
	EffTeardown struct{}
)

func (EffAcquireMic) isEffect()        {}
func (EffConnect) isEffect()           {}
func (EffStartCapture) isEffect()      {}
func (EffSendAudio) isEffect()         {}
func (EffDrop) isEffect()              {}
func (EffAcquireDisplay) isEffect()    {}
func (EffStartSampler) isEffect()      {}
func (EffStopScreen) isEffect()        {}
func (EffSendImage) isEffect()         {}
func (EffPlay) isEffect()              {}
func (EffInterruptPlayback) isEffect() {}
func (EffDeliver) isEffect()           {}
func (EffLogError) isEffect()          {}
func (EffTeardown) isEffect()          {}

// Drop reasons carried by [EffDrop].
const (
	dropMuted = "muted"
)

// ── Transition ────────────────────────────────────────────────────────────────

// Transition computes the successor of s for ev. It is pure.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case EvStart:
		if s.Phase != PhaseIdle {
			return s, nil
		}
		s.Phase = PhaseConnecting
		return s, []Effect{EffAcquireMic{}}

	case EvMicReady:
		if s.Phase != PhaseConnecting {
			return s, nil
		}
		return s, []Effect{EffConnect{}}

	case EvMicFailed:
		return fail(s, ev.Err, "microphone unavailable")

	case EvMicEnded:
		if s.Phase.Terminal() {
			return s, nil
		}
		return fail(s, nil, "microphone disconnected")

	case EvConnectFailed:
		return fail(s, ev.Err, "connection failed")

	case EvOpen:
		if s.Phase != PhaseConnecting {
			return s, nil
		}
		s.Phase = PhaseOpen
		s.Capturing = true
		return s, []Effect{EffStartCapture{}}

	case EvAudioCaptured:
		if s.Phase != PhaseOpen || !s.Capturing {
			return s, nil
		}
		if s.Muted {
			return s, []Effect{EffDrop{Reason: dropMuted}}
		}
		return s, []Effect{EffSendAudio{Samples: ev.Samples, SampleRate: ev.SampleRate}}

	case EvSetMuted:
		s.Muted = ev.Muted
		return s, nil

	case EvShareRequested:
		if s.Phase != PhaseOpen || s.Screen || s.ShareRequested {
			return s, nil
		}
		s.ShareRequested = true
		s.ShareErr = ""
		return s, []Effect{EffAcquireDisplay{}}

	case EvShareReady:
		s.ShareRequested = false
		if s.Phase != PhaseOpen {
			// The session ended while the picker was up.
			return s, []Effect{EffStopScreen{}}
		}
		s.Screen = true
		s.ShareErr = ""
		return s, []Effect{EffStartSampler{}}

	case EvShareFailed:
		s.ShareRequested = false
		if s.Phase.Terminal() {
			return s, nil
		}
		if ev.Permission {
			s.ShareErr = ShareErrPermission
		} else {
			s.ShareErr = ShareErrUnavailable
		}
		return s, nil

	case EvShareStopped, EvScreenEnded:
		if !s.Screen {
			return s, nil
		}
		s.Screen = false
		return s, []Effect{EffStopScreen{}}

	case EvFrame:
		if s.Phase != PhaseOpen || !s.Screen {
			return s, nil
		}
		return s, []Effect{EffSendImage{Frame: ev.Frame}}

	case EvAudioDelta:
		if s.Phase != PhaseOpen {
			return s, nil
		}
		return s, []Effect{EffPlay{Audio: ev.Audio, SampleRate: ev.SampleRate}}

	case EvPlaybackChanged:
		if s.TornDown {
			return s, nil
		}
		s.Pending = max(ev.Pending, 0)
		return s, nil

	case EvInputTranscript:
		if s.Phase != PhaseOpen {
			return s, nil
		}
		s.InputText += ev.Text
		return s, nil

	case EvOutputTranscript:
		if s.Phase != PhaseOpen {
			return s, nil
		}
		s.OutputText += ev.Text
		return s, nil

	case EvTurnComplete:
		if s.Phase != PhaseOpen {
			return s, nil
		}
		var effs []Effect
		if text := strings.TrimSpace(s.InputText); text != "" {
			effs = append(effs, EffDeliver{Role: sink.RoleUser, Content: text})
		}
		if text := strings.TrimSpace(s.OutputText); text != "" {
			effs = append(effs, EffDeliver{Role: sink.RoleAssistant, Content: text})
		}
		s.InputText = ""
		s.OutputText = ""
		return s, effs

	case EvInterrupted:
		if s.Phase != PhaseOpen {
			return s, nil
		}
		// The user's speech so far stays attributable; only the unfinished
		// reply is discarded.
		s.OutputText = ""
		s.Pending = 0
		return s, []Effect{EffInterruptPlayback{}}

	case EvEndpointError:
		return fail(s, ev.Err, "endpoint error")

	case EvEndpointClosed:
		if ev.Err != nil {
			return fail(s, ev.Err, "connection lost")
		}
		return closeSession(s)

	case EvClose:
		return closeSession(s)
	}
	return s, nil
}

// fail moves a non-terminal session to PhaseError and tears it down.
func fail(s State, err error, fallback string) (State, []Effect) {
	if s.Phase.Terminal() || s.Phase == PhaseIdle {
		return s, nil
	}
	s.Phase = PhaseError
	s.ErrText = fallback
	if err != nil {
		s.ErrText = err.Error()
	}
	effs := []Effect{EffLogError{Err: errorOr(err, fallback)}}
	s, teardown := teardown(s)
	return s, append(effs, teardown...)
}

// closeSession moves the session to PhaseClosed. An already failed session
// keeps its error.
func closeSession(s State) (State, []Effect) {
	if !s.Phase.Terminal() {
		s.Phase = PhaseClosed
	}
	return teardown(s)
}

// teardown clears the live sub-states and emits EffTeardown once.
func teardown(s State) (State, []Effect) {
	s.Capturing = false
	s.Screen = false
	s.ShareRequested = false
	s.Pending = 0
	if s.TornDown {
		return s, nil
	}
	s.TornDown = true
	return s, []Effect{EffTeardown{}}
}
