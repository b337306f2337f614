// Package catalog is the boundary to the item catalog. The sync core only needs to know
// how many episodes an item has; ranking, search and metadata live elsewhere.
package catalog

import (
	"context"
	"strings"
	"sync"
)

type Catalog interface {
	// TotalEpisodes returns 0 when the item is unknown or its length is not final.
	TotalEpisodes(ctx context.Context, itemKey string) (int, error)
}

type Static struct {
	mu     sync.RWMutex
	totals map[string]int
}

func NewStatic(totals map[string]int) *Static {
	s := &Static{totals: map[string]int{}}
	for k, v := range totals {
		s.totals[strings.TrimSpace(k)] = v
	}
	return s
}

func (s *Static) TotalEpisodes(_ context.Context, itemKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals[strings.TrimSpace(itemKey)], nil
}

func (s *Static) Set(itemKey string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[strings.TrimSpace(itemKey)] = total
}
