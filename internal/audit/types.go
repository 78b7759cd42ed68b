// Package audit persists verification outcomes for operator review.
// Unlike the requester-facing pairing result, audit records keep the
// duress flag.
package audit

import (
	"context"
	"time"

	"github.com/abaumgartner/livegate/internal/challenge"
)

// Record stores one resolved verification session.
type Record struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Code      string           `json:"code"`
	Result    challenge.Result `json:"result"`
	Duress    bool             `json:"duress"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store persists and retrieves verification outcomes.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	ByCode(ctx context.Context, code string, limit int) ([]Record, error)
	Close() error
}
