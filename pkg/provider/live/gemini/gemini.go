// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Realtime audio and image chunks are forwarded as base64 media
// chunks; model audio is surfaced undecoded as audio-delta events.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livesight/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// defaultWriteTimeout bounds one outbound frame on a stalled socket.
	defaultWriteTimeout = 10 * time.Second

	// readLimit bounds a single inbound message. Audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the default live model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the wss:// endpoint root, e.g. with an httptest server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithWriteTimeout bounds each outbound frame. A write that does not finish
// in time fails and closes the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) { p.writeTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	writeTimeout time.Duration
}

// New returns a Provider authenticating with apiKey.
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
func (p *Provider) Name() string { return "gemini" }

// Connect dials the Gemini Live endpoint and sends the setup message. The
// session emits live.EventOpen once the endpoint replies with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, bidiPath, url.QueryEscape(p.apiKey))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		events:       live.NewEmitter(sessCtx, live.DefaultEventBuffer),
		ctx:          sessCtx,
		cancel:       sessCancel,
		writeTimeout: p.writeTimeout,
	}

	if err := sess.sendSetup(model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *live.Emitter

	mu     sync.Mutex
	closed bool

	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(msg)
}

// writeJSON sends v as one text frame.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the emitter and emits the final close event when it
// exits.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() { s.events.Close(closeErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			closeErr = s.classifyReadErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.events.Emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: malformed message: %w", err)}) {
				return
			}
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// classifyReadErr returns nil for a read error that ends the session in an
// orderly way: a local Close or a normal closure from the server.
func (s *session) classifyReadErr(err error) error {
	if s.ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("gemini: read: %w", err)
}

// handleServerMessage emits the events for one server message in protocol
// order. It reports false once the session has ended.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	var evs []live.Event

	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Kind: live.EventOpen})
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		evs = append(evs, live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: %s", text)})
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					evs = append(evs, live.Event{Kind: live.EventAudioDelta, Audio: p.InlineData.Data})
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, live.Event{Kind: live.EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, live.Event{Kind: live.EventOutputTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			evs = append(evs, live.Event{Kind: live.EventInterrupted})
		}
		if sc.TurnComplete {
			evs = append(evs, live.Event{Kind: live.EventTurnComplete})
		}
	}

	for _, ev := range evs {
		if !s.events.Emit(ev) {
			return false
		}
	}
	return true
}

// keepaliveLoop pings the endpoint every keepaliveInterval until the
// session ends.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendRealtime forwards one base64 media chunk as realtimeInput.
func (s *session) SendRealtime(chunk live.MediaChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Events returns the channel on which endpoint events arrive.
func (s *session) Events() <-chan live.Event { return s.events.Events() }

// Close ends the session. Calls after the first return nil.
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
