// Package genai implements the live.Provider interface on top of the
// official Google Gen AI SDK (google.golang.org/genai) Live API.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// lets the SDK own the transport, which also makes Vertex AI backends
// available.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/livesight/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVertexAI routes sessions through Vertex AI in the given project and
// location instead of the Gemini API.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.clientConfig.Backend = genai.BackendVertexAI
		p.clientConfig.Project = project
		p.clientConfig.Location = location
		p.clientConfig.APIKey = ""
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider with the Gen AI SDK.
type Provider struct {
	model        string
	clientConfig genai.ClientConfig

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider authenticating with apiKey against the Gemini API.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		model: defaultModel,
		clientConfig: genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "genai" }

// clientFor lazily creates the SDK client. The client is reused across
// sessions.
func (p *Provider) clientFor(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cfg := p.clientConfig
	c, err := genai.NewClient(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	p.client = c
	return c, nil
}

// Connect opens a Live session through the SDK.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	client, err := p.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sdkSess, err := client.Live.Connect(ctx, model, ConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		sdk:    sdkSess,
		events: live.NewEmitter(sessCtx, live.DefaultEventBuffer),
		ctx:    sessCtx,
		cancel: cancel,
	}
	go s.receiveLoop()
	return s, nil
}

// ConnectConfig maps a session configuration onto the SDK's Live config.
func ConnectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	c := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		c.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		c.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		c.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		c.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return c
}

// Translate converts one SDK server message into events, in protocol order.
func Translate(msg *genai.LiveServerMessage) []live.Event {
	if msg == nil {
		return nil
	}
	var evs []live.Event
	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Kind: live.EventOpen})
	}
	sc := msg.ServerContent
	if sc == nil {
		return evs
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			evs = append(evs, live.Event{
				Kind:  live.EventAudioDelta,
				Audio: base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
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
	return evs
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	sdk    *genai.Session
	events *live.Emitter

	sendMu sync.Mutex // the SDK session is not safe for concurrent sends
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) receiveLoop() {
	var closeErr error
	defer func() { s.events.Close(closeErr) }()

	for {
		msg, err := s.sdk.Receive()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				closeErr = fmt.Errorf("genai: receive: %w", err)
			}
			return
		}
		for _, ev := range Translate(msg) {
			if !s.events.Emit(ev) {
				return
			}
		}
	}
}

// SendRealtime decodes the chunk and forwards it as realtime audio or video.
func (s *session) SendRealtime(chunk live.MediaChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai: send: decode chunk: %w", err)
	}
	blob := &genai.Blob{Data: data, MIMEType: chunk.MIMEType}

	var input genai.LiveRealtimeInput
	if strings.HasPrefix(chunk.MIMEType, "image/") {
		input.Video = blob
	} else {
		input.Audio = blob
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.sdk.SendRealtimeInput(input); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("genai: send: %w", err)
	}
	return nil
}

// Events returns the channel on which endpoint events arrive.
func (s *session) Events() <-chan live.Event { return s.events.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.sdk.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
