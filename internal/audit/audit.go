// Package audit records fire-and-forget audit events.
package audit

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"schedflow/internal/store"
)

// Sink receives audit events. Implementations must never fail the
// caller: a lost audit record is logged, not raised.
type Sink interface {
	Log(ctx context.Context, event string, tenantID, userID int64, data map[string]any)
}

// StoreSink persists events through the repository's audit table.
type StoreSink struct {
	repo store.Repository
}

func NewStoreSink(repo store.Repository) *StoreSink { return &StoreSink{repo: repo} }

func (s *StoreSink) Log(ctx context.Context, event string, tenantID, userID int64, data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte("{}")
	}
	if err := s.repo.AppendAudit(ctx, event, tenantID, userID, string(b)); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to persist audit record")
	}
}

// Nop discards events. Used in tests.
type Nop struct{}

func (Nop) Log(context.Context, string, int64, int64, map[string]any) {}
