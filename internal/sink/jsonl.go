package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Deliver after the sink has been closed.
var ErrClosed = errors.New("sink: closed")

// JSONLSink appends one JSON object per message to a file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

var _ Sink = (*JSONLSink)(nil)

// OpenJSONL opens (creating if needed) the file at path for appending.
// Missing parent directories are created.
func OpenJSONL(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: jsonl: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: jsonl: open: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the file the sink appends to.
func (s *JSONLSink) Path() string { return s.path }

// Deliver appends msg as a single line.
func (s *JSONLSink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("sink: jsonl: write: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Idempotent.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.enc = nil
	if err != nil {
		return fmt.Errorf("sink: jsonl: close: %w", err)
	}
	return nil
}
