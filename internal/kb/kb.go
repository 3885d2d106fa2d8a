// Package kb exposes the knowledge-base search collaborator consumed by
// agents. The engine never mutates the KB beyond appending finished chapters
// as manuscript chunks.
package kb

import (
	"context"

	"github.com/storyforge/orchestrator/internal/domain"
	"github.com/storyforge/orchestrator/internal/store"
)

// Searcher is the read-only retrieval interface agents see. Results are
// ordered by relevance.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.KBChunk, error)
}

// StoreSearcher scopes store-backed retrieval to one project.
type StoreSearcher struct {
	store     store.Store
	projectID string
}

var _ Searcher = (*StoreSearcher)(nil)

// NewStoreSearcher creates a project-scoped searcher.
func NewStoreSearcher(st store.Store, projectID string) *StoreSearcher {
	return &StoreSearcher{store: st, projectID: projectID}
}

// Search retrieves the best-matching chunks for the query.
func (s *StoreSearcher) Search(ctx context.Context, query string, limit int) ([]domain.KBChunk, error) {
	return s.store.SearchKB(ctx, s.projectID, query, limit)
}
