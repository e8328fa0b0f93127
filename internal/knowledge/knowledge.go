// Package knowledge is the horizon-scoped fact store: a thin service over
// the persistence port that owns upsert idempotency, TTL staleness sweeps,
// and the query ordering the context assembler depends on.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// Service exposes fact operations to the assembler, tool bridge, and hygiene.
type Service struct {
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a knowledge fact service.
func NewService(s store.Store, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   s,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Upsert writes a fact on its composite key, preserving created_at for
// existing rows. The stored row is written back into f.
func (s *Service) Upsert(ctx context.Context, scope store.Scope, f *models.KnowledgeFact) (*models.KnowledgeFact, error) {
	if f == nil {
		return nil, fmt.Errorf("nil fact")
	}
	if err := s.store.UpsertFact(ctx, scope, f); err != nil {
		s.logger.Error(ctx, "fact upsert failed",
			"subject_type", string(f.SubjectType),
			"domain", f.Domain,
			"fact_key", f.FactKey,
			"error", err)
		return nil, err
	}
	s.logger.Debug(ctx, "fact upserted",
		"subject_type", string(f.SubjectType),
		"horizon", string(f.Horizon),
		"domain", f.Domain,
		"fact_key", f.FactKey)
	return f, nil
}

// Query returns facts matching the filter, ordered by horizon priority
// (short first), then confidence descending, then recency.
func (s *Service) Query(ctx context.Context, scope store.Scope, filter store.FactFilter) ([]*models.KnowledgeFact, error) {
	facts, err := s.store.QueryFacts(ctx, scope, filter)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FactQueries.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		status := "hit"
		if len(facts) == 0 {
			status = "empty"
		}
		s.metrics.FactQueries.WithLabelValues(status).Inc()
	}
	return facts, nil
}

// ExpireStale marks facts whose TTL elapsed as stale. Intended for the
// hygiene scheduler; requires a privileged scope.
func (s *Service) ExpireStale(ctx context.Context, scope store.Scope) (int64, error) {
	n, err := s.store.MarkFactsStale(ctx, scope, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info(ctx, "marked stale facts", "count", n)
	}
	return n, nil
}
