package archive

import (
	"context"
	"time"
)

// TranscriptRecord is one archived transcript entry.
type TranscriptRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// FunctionRecord is one archived function-call resolution.
type FunctionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session history beyond the bounded in-process caps.
type Store interface {
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	SaveFunction(ctx context.Context, record FunctionRecord) error
	RecentTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error)
	Close() error
}
