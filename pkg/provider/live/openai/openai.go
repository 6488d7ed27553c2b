// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Microphone chunks are resampled to the 24 kHz PCM16 the endpoint expects
// and appended to the input audio buffer; image chunks become input_image
// conversation items. Turn detection runs server side.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the PCM16 rate used in both directions.
	wireRate = 24000

	transcriptionModel = "whisper-1"
	readLimit          = 16 << 20

	// defaultWriteTimeout bounds one outbound frame on a stalled socket.
	defaultWriteTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithWriteTimeout bounds each outbound frame. A write that does not finish
// in time fails and closes the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) { p.writeTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	writeTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "openai" }

// Connect dials the Realtime endpoint and sends session.update. The session
// emits live.EventOpen when the endpoint reports session.created.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		events:       live.NewEmitter(sessCtx, live.DefaultEventBuffer),
		ctx:          sessCtx,
		cancel:       sessCancel,
		writeTimeout: p.writeTimeout,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

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
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
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
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *live.Emitter

	mu     sync.Mutex
	closed bool

	// inputDeltas records whether the endpoint streams input transcription
	// deltas; the completed event then repeats text already delivered.
	inputDeltas bool

	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

// sendSessionUpdate configures voice, instructions, audio formats,
// transcription and server-side turn detection.
func (s *session) sendSessionUpdate(cfg live.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the emitter and emits the final close event when it exits.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() { s.events.Close(closeErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			closeErr = s.classifyReadErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			if !s.events.Emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: malformed event: %w", err)}) {
				return
			}
			continue
		}

		ev, ok := s.translate(&evt)
		if !ok {
			continue
		}
		if !s.events.Emit(ev) {
			return
		}
	}
}

func (s *session) classifyReadErr(err error) error {
	if s.ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("openai: read: %w", err)
}

// translate maps one server event onto a live event. Events with no live
// counterpart report false.
func (s *session) translate(evt *serverEvent) (live.Event, bool) {
	switch evt.Type {
	case "session.created":
		return live.Event{Kind: live.EventOpen}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventAudioDelta, Audio: evt.Delta, SampleRate: wireRate}, true

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventOutputTranscript, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.delta":
		s.inputDeltas = true
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventInputTranscript, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		if s.inputDeltas || evt.Transcript == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventInputTranscript, Text: evt.Transcript}, true

	case "input_audio_buffer.speech_started":
		return live.Event{Kind: live.EventInterrupted}, true

	case "response.done":
		return live.Event{Kind: live.EventTurnComplete}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: %s", msg)}, true
	}
	return live.Event{}, false
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendRealtime appends audio to the input buffer or adds an image item.
func (s *session) SendRealtime(chunk live.MediaChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	var msg any
	switch {
	case strings.HasPrefix(chunk.MIMEType, "image/"):
		msg = createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: "user",
				Content: []conversationPart{{
					Type:     "input_image",
					ImageURL: "data:" + chunk.MIMEType + ";base64," + chunk.Data,
				}},
			},
		}
	case strings.HasPrefix(chunk.MIMEType, "audio/pcm"):
		encoded, err := toWireAudio(chunk)
		if err != nil {
			return err
		}
		msg = appendAudioMessage{Type: "input_audio_buffer.append", Audio: encoded}
	default:
		return fmt.Errorf("openai: send: unsupported mime type %q", chunk.MIMEType)
	}

	if err := s.writeJSON(msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// toWireAudio resamples a base64 PCM16 chunk to the endpoint's rate.
func toWireAudio(chunk live.MediaChunk) (string, error) {
	rate := rateFromMIME(chunk.MIMEType)
	if rate == wireRate {
		return chunk.Data, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return "", fmt.Errorf("openai: send: decode chunk: %w", err)
	}
	return base64.StdEncoding.EncodeToString(audio.ResampleMono16(pcm, rate, wireRate)), nil
}

// rateFromMIME extracts the rate parameter of an "audio/pcm;rate=N" type,
// defaulting to the outbound wire rate.
func rateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return audio.OutboundSampleRate
}

// Events returns the channel on which endpoint events arrive.
func (s *session) Events() <-chan live.Event { return s.events.Events() }

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
