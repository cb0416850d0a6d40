package search

import (
	"context"
	"log/slog"
	"sync"
)

// Service is the facade that tries Meilisearch first and falls back to the
// store.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}
		}
		s.logger.Warn("meilisearch error, falling back to store", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store search failed", "owner_id", q.OwnerID, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "store"}
}

// IndexQuestions pushes records to Meilisearch in the background.
func (s *Service) IndexQuestions(records []QuestionRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.meili.IndexQuestions(records); err != nil {
			s.logger.Warn("index questions failed", "set_id", records[0].SetID, "count", len(records), "error", err)
		}
	}()
}

// Wait blocks until background indexing finishes or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
