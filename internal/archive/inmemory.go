package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps archived history in-process for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]TranscriptRecord
	functions   map[string][]FunctionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		transcripts: make(map[string][]TranscriptRecord),
		functions:   make(map[string][]FunctionRecord),
	}
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.transcripts[record.SessionID] = append(s.transcripts[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SaveFunction(_ context.Context, record FunctionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.functions[record.SessionID] = append(s.functions[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) RecentTranscript(_ context.Context, sessionID string, limit int) ([]TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.transcripts[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
