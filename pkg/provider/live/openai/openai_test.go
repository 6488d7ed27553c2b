package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livesight/pkg/provider/live"
	"github.com/MrWong99/livesight/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that hands each accepted
// connection to handler.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func skipSessionUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var m map[string]any
	readJSON(t, conn, &m)
}

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

func TestConnect_SendsHeadersAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection *struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	type seen struct {
		auth, beta, model string
		msg               update
	}
	ch := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg update
		readJSON(t, conn, &msg)
		ch <- seen{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
			msg:   msg,
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Model:              "gpt-test",
		Instructions:       "You are Ava.",
		Voice:              "alloy",
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case got := <-ch:
		if got.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got.auth)
		}
		if got.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", got.beta)
		}
		if got.model != "gpt-test" {
			t.Errorf("model = %q", got.model)
		}
		s := got.msg.Session
		if got.msg.Type != "session.update" {
			t.Errorf("type = %q", got.msg.Type)
		}
		if s.Voice != "alloy" || s.Instructions != "You are Ava." {
			t.Errorf("voice/instructions = %q/%q", s.Voice, s.Instructions)
		}
		if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
			t.Errorf("formats = %q/%q", s.InputAudioFormat, s.OutputAudioFormat)
		}
		if s.InputAudioTranscription == nil {
			t.Error("input transcription not requested")
		}
		if s.TurnDetection == nil || s.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection = %+v", s.TurnDetection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestSendRealtime_ResamplesAudio(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	ch := make(chan appendMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		ch <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// 160 samples at 16 kHz is 10 ms; at 24 kHz that is 240 samples.
	pcm := make([]byte, 320)
	err = sess.SendRealtime(live.MediaChunk{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: "audio/pcm;rate=16000",
	})
	if err != nil {
		t.Fatalf("SendRealtime: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(raw) != 480 {
			t.Errorf("resampled length = %d, want 480", len(raw))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}
}

func TestSendRealtime_ImageBecomesItem(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Type     string `json:"type"`
				ImageURL string `json:"image_url"`
			} `json:"content"`
		} `json:"item"`
	}
	ch := make(chan itemMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		var msg itemMsg
		readJSON(t, conn, &msg)
		ch <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendRealtime(live.MediaChunk{Data: "/9j/", MIMEType: "image/jpeg"}); err != nil {
		t.Fatalf("SendRealtime: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Type != "conversation.item.create" || msg.Item.Role != "user" {
			t.Errorf("msg = %+v", msg)
		}
		if len(msg.Item.Content) != 1 || msg.Item.Content[0].Type != "input_image" ||
			msg.Item.Content[0].ImageURL != "data:image/jpeg;base64,/9j/" {
			t.Errorf("content = %+v", msg.Item.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
}

func TestSendRealtime_UnsupportedAndClosed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.SendRealtime(live.MediaChunk{Data: "AA==", MIMEType: "text/plain"}); err == nil {
		t.Error("expected error for unsupported mime type")
	}

	_ = sess.Close()
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.SendRealtime(live.MediaChunk{Data: "AA==", MIMEType: "image/jpeg"}); err != live.ErrSessionClosed {
		t.Errorf("SendRealtime after close = %v, want ErrSessionClosed", err)
	}
}

func TestSendRealtime_StalledPeerTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startServer(t, func(_ *websocket.Conn, _ *http.Request) {
		// Never read, so the socket buffers fill up.
		<-release
	})
	t.Cleanup(func() { close(release) })

	p := openai.New("k", openai.WithBaseURL(wsURL(srv)), openai.WithWriteTimeout(50*time.Millisecond))
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

func TestEvents_Translation(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "what is this"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "a chart"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "boom"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []live.EventKind{
		live.EventOpen,
		live.EventInterrupted,
		live.EventInputTranscript,
		live.EventAudioDelta,
		live.EventOutputTranscript,
		live.EventTurnComplete,
		live.EventError,
	}
	for i, kind := range want {
		ev := nextEvent(t, sess)
		if ev.Kind != kind {
			t.Fatalf("event %d kind = %v, want %v", i, ev.Kind, kind)
		}
		switch ev.Kind {
		case live.EventInputTranscript:
			if ev.Text != "what is this" {
				t.Errorf("input transcript = %q", ev.Text)
			}
		case live.EventAudioDelta:
			if ev.Audio != "AAAA" || ev.SampleRate != 24000 {
				t.Errorf("audio = %q @ %d", ev.Audio, ev.SampleRate)
			}
		case live.EventError:
			if ev.Err == nil || !strings.Contains(ev.Err.Error(), "boom") {
				t.Errorf("err = %v", ev.Err)
			}
		}
	}
}

func TestEvents_InputDeltasSuppressCompleted(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "hel"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if ev := nextEvent(t, sess); ev.Kind != live.EventInputTranscript || ev.Text != "hel" {
		t.Errorf("first = %+v", ev)
	}
	if ev := nextEvent(t, sess); ev.Kind != live.EventTurnComplete {
		t.Errorf("second = %+v, want turn-complete", ev)
	}
}

func TestEvents_NormalCloseIsLast(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if ev := nextEvent(t, sess); ev.Kind != live.EventOpen {
		t.Fatalf("first = %v", ev.Kind)
	}
	ev := nextEvent(t, sess)
	if ev.Kind != live.EventClose || ev.Err != nil {
		t.Errorf("close event = %+v, want orderly close", ev)
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("event after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := openai.New("k").Name(); got != "openai" {
		t.Errorf("Name() = %q", got)
	}
}
