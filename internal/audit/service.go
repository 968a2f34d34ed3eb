package audit

import (
	"context"
	"fmt"

	"github.com/unbound-ops/unbound/internal/shared"
)

const maxPageSize = 100

// Result wraps a timeline page with its total count.
type Result struct {
	Entries []Entry
	Total   int
}

// Service coordinates read access for the audit viewer.
type Service struct {
	store Store
}

// NewService creates the audit viewer service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// List returns a page of entries ordered by creation time, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) (Result, error) {
	if s.store == nil {
		return Result{}, fmt.Errorf("audit: store not configured")
	}
	page := shared.ClampPage(limit, offset, maxPageSize)
	entries, total, err := s.store.List(ctx, page.Limit, page.Offset)
	if err != nil {
		return Result{}, err
	}
	return Result{Entries: entries, Total: total}, nil
}
