package sink_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livesight/internal/resilience"
	"github.com/MrWong99/livesight/internal/sink"
)

// recorder is a Sink that records deliveries and optionally fails.
type recorder struct {
	mu   sync.Mutex
	msgs []sink.Message
	err  error
}

func (r *recorder) Deliver(_ context.Context, msg sink.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestNewMessage(t *testing.T) {
	before := time.Now()
	m := sink.NewMessage("s1", sink.RoleUser, "hello")
	if m.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("ID not set")
	}
	if m.Timestamp.Before(before) {
		t.Error("timestamp before construction")
	}
	if m.Role != sink.RoleUser || m.Content != "hello" || m.SessionID != "s1" {
		t.Errorf("message = %+v", m)
	}
	if sink.NewMessage("s1", sink.RoleUser, "x").ID == m.ID {
		t.Error("IDs must be unique")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := &sink.LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	if err := s.Deliver(context.Background(), sink.NewMessage("", sink.RoleAssistant, "hi there")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "role=assistant") || !strings.Contains(out, `content="hi there"`) {
		t.Errorf("log output = %q", out)
	}
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "messages.jsonl")
	s, err := sink.OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}

	ctx := context.Background()
	want := []sink.Message{
		sink.NewMessage("s", sink.RoleUser, "one"),
		sink.NewMessage("s", sink.RoleAssistant, "two"),
	}
	for _, m := range want {
		if err := s.Deliver(ctx, m); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Deliver(ctx, want[0]); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Deliver after close = %v, want ErrClosed", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []sink.Message
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m sink.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, m)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Content != want[i].Content || got[i].Role != want[i].Role {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestJSONLSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.jsonl")
	for range 2 {
		s, err := sink.OpenJSONL(path)
		if err != nil {
			t.Fatal(err)
		}
		_ = s.Deliver(context.Background(), sink.NewMessage("", sink.RoleUser, "x"))
		_ = s.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := bytes.Count(data, []byte("\n")); n != 2 {
		t.Errorf("lines = %d, want 2", n)
	}
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := sink.NewFanout([]sink.Target{{Name: "a", Sink: a}, {Name: "b", Sink: b}})

	if err := f.Deliver(context.Background(), sink.NewMessage("", sink.RoleUser, "hi")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", a.count(), b.count())
	}
}

func TestFanout_FailureIsolated(t *testing.T) {
	bad := &recorder{err: errors.New("disk full")}
	good := &recorder{}
	f := sink.NewFanout([]sink.Target{{Name: "bad", Sink: bad}, {Name: "good", Sink: good}})

	err := f.Deliver(context.Background(), sink.NewMessage("", sink.RoleUser, "hi"))
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("err = %v, want failure naming the bad target", err)
	}
	if good.count() != 1 {
		t.Errorf("good target count = %d, want 1", good.count())
	}
}

func TestFanout_BreakerOpensAndSkips(t *testing.T) {
	bad := &recorder{err: errors.New("down")}
	f := sink.NewFanout(
		[]sink.Target{{Name: "db", Sink: bad}},
		sink.WithBreakerConfig(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}),
	)
	ctx := context.Background()
	msg := sink.NewMessage("", sink.RoleUser, "hi")

	if err := f.Check(ctx); err != nil {
		t.Fatalf("Check before failures = %v", err)
	}
	_ = f.Deliver(ctx, msg)
	_ = f.Deliver(ctx, msg)
	if err := f.Check(ctx); err == nil || !strings.Contains(err.Error(), "db") {
		t.Errorf("Check = %v, want error naming db", err)
	}

	state, ok := f.BreakerState("db")
	if !ok || state != resilience.StateOpen {
		t.Fatalf("state = %v (found %v), want open", state, ok)
	}
	if err := f.Deliver(ctx, msg); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if _, ok := f.BreakerState("missing"); ok {
		t.Error("unknown target reported as found")
	}
}

func TestFanout_DeliverTimeout(t *testing.T) {
	slow := sink.Func(func(ctx context.Context, _ sink.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f := sink.NewFanout([]sink.Target{{Name: "slow", Sink: slow}}, sink.WithDeliverTimeout(20*time.Millisecond))

	start := time.Now()
	err := f.Deliver(context.Background(), sink.NewMessage("", sink.RoleUser, "hi"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
}
