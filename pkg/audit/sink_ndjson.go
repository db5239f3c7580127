package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/sddion/chainbox/pkg/contracts"
)

// NDJSONSink appends entries as newline-delimited JSON.
type NDJSONSink struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewNDJSONSink opens (or creates) the audit log file in append mode.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &NDJSONSink{writer: f}, nil
}

// NewNDJSONSinkWithWriter wraps an arbitrary writer (used in tests).
func NewNDJSONSinkWithWriter(w io.WriteCloser) *NDJSONSink {
	return &NDJSONSink{writer: w}
}

func (s *NDJSONSink) Append(ctx context.Context, entry *contracts.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(data)
	return err
}

func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
