// Package sink receives the finalized chat messages produced by a voice
// session.
//
// A message is delivered exactly once per transcript side per turn. The
// session never waits on storage for long: [Fanout] guards every downstream
// store with a circuit breaker so a failing backend is skipped instead of
// stalling the conversation.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is the person talking to the assistant.
	RoleUser Role = "user"

	// RoleAssistant is the model.
	RoleAssistant Role = "assistant"
)

// Message is one finalized chat turn side.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage returns a message with a fresh ID stamped with the current time.
func NewMessage(sessionID string, role Role, content string) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Sink accepts finalized messages.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Func adapts a plain function to [Sink].
type Func func(ctx context.Context, msg Message) error

// Deliver calls f.
func (f Func) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogSink writes every message to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// Deliver logs msg at info level. It never fails.
func (s *LogSink) Deliver(ctx context.Context, msg Message) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "message",
		"id", msg.ID,
		"session_id", msg.SessionID,
		"role", string(msg.Role),
		"content", msg.Content,
	)
	return nil
}
