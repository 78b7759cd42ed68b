package audit

import (
	"context"
	"strings"

	"github.com/abaumgartner/livegate/internal/challenge"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func challengeResult(s string) challenge.Result {
	switch challenge.Result(s) {
	case challenge.ResultPass, challenge.ResultFail, challenge.ResultTimedOut, challenge.ResultPending:
		return challenge.Result(s)
	default:
		return challenge.ResultFail
	}
}
