// Package discovery maintains the catalog of merchant resources observed
// through successful settlements: debounced upserts, TTL-based visibility
// and URL safety filtering over a pluggable store.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gosuda/x402-gateway/types"
)

// ErrNotFound is returned when no record exists for a resource URL.
var ErrNotFound = errors.New("resource not found")

// Resource is one catalog entry, keyed by its resource URL.
type Resource struct {
	ID          string                      `json:"id"`
	Resource    string                      `json:"resource"`
	Type        string                      `json:"type"`
	X402Version int                         `json:"x402Version"`
	Accepts     []types.PaymentRequirements `json:"accepts"`
	LastUpdated time.Time                   `json:"lastUpdated"`
	Metadata    map[string]any              `json:"metadata"`
	DeletedAt   *time.Time                  `json:"-"`
	CreatedAt   time.Time                   `json:"-"`
	UpdatedAt   time.Time                   `json:"-"`
}

// ResourceStore is the persistence port the registry writes through. A nil
// store disables discovery without error.
type ResourceStore interface {
	// GetByResource looks a record up by its unique resource URL.
	GetByResource(ctx context.Context, resourceURL string) (*Resource, error)
	// Upsert inserts or replaces a record by resource URL.
	Upsert(ctx context.Context, r *Resource) error
	// List returns every stored record.
	List(ctx context.Context) ([]*Resource, error)
	// Purge removes soft-deleted records older than the cutoff, returning
	// the number removed.
	Purge(ctx context.Context, deletedBefore time.Time) (int, error)
}

// MemoryStore is the bundled in-process ResourceStore.
type MemoryStore struct {
	mu      sync.RWMutex
	byURL   map[string]*Resource
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byURL: make(map[string]*Resource)}
}

func (s *MemoryStore) GetByResource(_ context.Context, resourceURL string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byURL[resourceURL]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneResource(r)
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneResource(r)
	s.byURL[r.Resource] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0, len(s.byURL))
	for _, r := range s.byURL {
		cp := cloneResource(r)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Resource < out[j].Resource
	})
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, deletedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for url, r := range s.byURL {
		if r.DeletedAt != nil && r.DeletedAt.Before(deletedBefore) {
			delete(s.byURL, url)
			purged++
		}
	}
	return purged, nil
}

func cloneResource(r *Resource) Resource {
	cp := *r
	cp.Accepts = make([]types.PaymentRequirements, len(r.Accepts))
	copy(cp.Accepts, r.Accepts)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	return cp
}
