package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livesight/pkg/provider/live"
	"github.com/MrWong99/livesight/pkg/provider/live/gemini"
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

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	writeRaw(t, conn, data)
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// skipSetup reads and discards the client's setup message.
func skipSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event from the session.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestName(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").Name(); got != "gemini" {
		t.Errorf("Name() = %q", got)
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
	setupCh := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		setupCh <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Instructions:        "You are Ava.",
		Voice:               "Kore",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-setupCh:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
			t.Errorf("voice = %q", v)
		}
		if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "You are Ava." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("audio transcription not enabled in setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	if ev := nextEvent(t, sess); ev.Kind != live.EventOpen {
		t.Errorf("first event = %v, want open", ev.Kind)
	}
}

func TestConnect_SessionModelOverridesDefault(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{Model: "per-session"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case got := <-modelCh:
		if got != "models/per-session" {
			t.Errorf("model = %q, want models/per-session", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := gemini.New("secret/key", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case key := <-keyCh:
		if key != "secret/key" {
			t.Errorf("key = %q, want secret/key", key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()
	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), live.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSendRealtime_ForwardsMediaChunks(t *testing.T) {
	t.Parallel()

	type chunk struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	chunks := make(chan chunk, 4)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		for range 2 {
			var msg struct {
				RealtimeInput struct {
					MediaChunks []chunk `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			readJSON(t, conn, &msg)
			for _, c := range msg.RealtimeInput.MediaChunks {
				chunks <- c
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendRealtime(live.MediaChunk{Data: "AAAA", MIMEType: "audio/pcm;rate=16000"}); err != nil {
		t.Fatalf("SendRealtime audio: %v", err)
	}
	if err := sess.SendRealtime(live.MediaChunk{Data: "/9j/", MIMEType: "image/jpeg"}); err != nil {
		t.Fatalf("SendRealtime image: %v", err)
	}

	want := []chunk{{"audio/pcm;rate=16000", "AAAA"}, {"image/jpeg", "/9j/"}}
	for i, w := range want {
		select {
		case got := <-chunks:
			if got != w {
				t.Errorf("chunk %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
}

func TestSendRealtime_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = sess.SendRealtime(live.MediaChunk{Data: "AAAA", MIMEType: "audio/pcm;rate=16000"})
	if !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendRealtime after Close err = %v, want ErrSessionClosed", err)
	}
}

func TestSendRealtime_StalledPeerTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(_ *websocket.Conn, _ *http.Request) {
		// Never read, so the socket buffers fill up.
		<-release
	})
	t.Cleanup(func() { close(release) })

	p := gemini.New("k", gemini.WithBaseURL(wsURL(srv)), gemini.WithWriteTimeout(50*time.Millisecond))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	payload := strings.Repeat("A", 1<<20)
	var sendErr error
	for i := 0; i < 64 && sendErr == nil; i++ {
		start := time.Now()
		sendErr = sess.SendRealtime(live.MediaChunk{Data: payload, MIMEType: "image/jpeg"})
		if d := time.Since(start); d > 2*time.Second {
			t.Fatalf("SendRealtime %d blocked for %v", i, d)
		}
	}
	if sendErr == nil {
		t.Fatal("SendRealtime never failed against a peer that does not read")
	}
}

func TestEvents_ServerContentInProtocolOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQID"}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "not base64!"}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "hello"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "hi there"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []live.Event{
		{Kind: live.EventOpen},
		{Kind: live.EventAudioDelta, Audio: "AQID"},
		// Audio is forwarded undecoded; rejecting bad payloads is the consumer's job.
		{Kind: live.EventAudioDelta, Audio: "not base64!"},
		{Kind: live.EventInputTranscript, Text: "hello"},
		{Kind: live.EventOutputTranscript, Text: "hi there"},
		{Kind: live.EventInterrupted},
		{Kind: live.EventTurnComplete},
	}
	for i, w := range want {
		got := nextEvent(t, sess)
		if got.Kind != w.Kind || got.Audio != w.Audio || got.Text != w.Text {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestEvents_ErrorMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "bad voice"}})
		writeRaw(t, conn, []byte("{not json"))
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Kind != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "bad voice") {
		t.Errorf("event = %+v, want error containing 'bad voice'", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Kind != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "malformed") {
		t.Errorf("event = %+v, want malformed-message error", ev)
	}
}

func TestEvents_NormalServerCloseIsLastEvent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		// Returning closes the connection with StatusNormalClosure.
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if ev := nextEvent(t, sess); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
	ev := nextEvent(t, sess)
	if ev.Kind != live.EventClose || ev.Err != nil {
		t.Errorf("event = %+v, want orderly close", ev)
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("event received after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after close event")
	}
}

func TestEvents_AbnormalCloseCarriesError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Kind != live.EventClose || ev.Err == nil {
		t.Errorf("event = %+v, want close with error", ev)
	}
}
