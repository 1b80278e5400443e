package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/types"
)

const (
	// visibilityTTL hides resources not re-observed within this window.
	visibilityTTL = 7 * 24 * time.Hour
	// debounceWindow suppresses repeat upserts with unchanged critical fields.
	debounceWindow = 24 * time.Hour
	// purgeAfter is how long soft-deleted records linger before cleanup.
	purgeAfter = 30 * 24 * time.Hour

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Registry catalogs merchant resources observed through settlements. It
// holds no state of its own; all persistence goes through the store.
type Registry struct {
	store          ResourceStore
	clock          clock.Clock
	allowLocalhost bool
	log            zerolog.Logger
}

// NewRegistry wires a registry over store. A nil store yields a disabled
// registry: Register is a no-op and List returns empty pages.
func NewRegistry(store ResourceStore, clk clock.Clock, allowLocalhost bool, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{
		store:          store,
		clock:          clk,
		allowLocalhost: allowLocalhost,
		log:            logger,
	}
}

// Enabled reports whether a store is attached.
func (r *Registry) Enabled() bool { return r.store != nil }

// acceptKey identifies an accepts entry within a resource.
func acceptKey(req *types.PaymentRequirements) string {
	return strings.ToLower(req.PayTo) + "|" + strings.ToLower(req.Asset) + "|" + string(req.Network)
}

// criticalFieldsDiffer reports whether the fields that warrant an immediate
// re-publish changed between two offers for the same accept key.
func criticalFieldsDiffer(a, b *types.PaymentRequirements) bool {
	return !strings.EqualFold(a.PayTo, b.PayTo) ||
		!strings.EqualFold(a.Asset, b.Asset) ||
		a.MaxAmountRequired != b.MaxAmountRequired ||
		a.Network != b.Network ||
		a.Scheme != b.Scheme
}

// Register opportunistically records a resource after successful settlement.
// Errors are reported but must never fail the settlement that triggered
// registration.
func (r *Registry) Register(ctx context.Context, req *types.PaymentRequirements, network types.Network) error {
	if r.store == nil {
		return nil
	}
	if req == nil || req.Resource == "" {
		return nil
	}

	if err := CheckResourceURL(req.Resource, r.allowLocalhost); err != nil {
		return fmt.Errorf("resource url rejected: %w", err)
	}

	now := r.clock.Now()

	existing, err := r.store.GetByResource(ctx, req.Resource)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("store lookup failed: %w", err)
	}

	if existing == nil {
		record := &Resource{
			ID:          uuid.NewString(),
			Resource:    req.Resource,
			Type:        "http",
			X402Version: types.X402Version,
			Accepts:     []types.PaymentRequirements{*req},
			LastUpdated: now,
			Metadata:    map[string]any{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.store.Upsert(ctx, record); err != nil {
			return fmt.Errorf("store insert failed: %w", err)
		}
		r.log.Debug().Str("resource", req.Resource).Msg("discovery resource registered")
		return nil
	}

	key := acceptKey(req)
	matchIdx := -1
	for i := range existing.Accepts {
		if acceptKey(&existing.Accepts[i]) == key {
			matchIdx = i
			break
		}
	}

	// Debounce: skip unless the offer changed, the accept entry is new, or
	// the record has gone stale.
	changed := matchIdx == -1 ||
		criticalFieldsDiffer(&existing.Accepts[matchIdx], req) ||
		now.Sub(existing.LastUpdated) > debounceWindow
	if !changed {
		return nil
	}

	if matchIdx >= 0 {
		existing.Accepts[matchIdx] = *req
	} else {
		existing.Accepts = append(existing.Accepts, *req)
	}
	existing.LastUpdated = now
	existing.UpdatedAt = now
	existing.DeletedAt = nil

	if err := r.store.Upsert(ctx, existing); err != nil {
		return fmt.Errorf("store update failed: %w", err)
	}
	r.log.Debug().Str("resource", req.Resource).Msg("discovery resource updated")
	return nil
}

// ListQuery filters and paginates the catalog.
type ListQuery struct {
	Type     string
	Metadata map[string]any
	Limit    int
	Offset   int
}

// Pagination describes one page of results.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Page is one page of visible resources, newest first.
type Page struct {
	Items      []*Resource `json:"items"`
	Pagination Pagination  `json:"pagination"`
}

// List returns visible resources: not soft-deleted, observed within the TTL,
// passing the URL safety filter, matching the optional type and metadata
// equality filters, ordered by last update descending.
func (r *Registry) List(ctx context.Context, q ListQuery) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	if r.store == nil {
		return &Page{Items: []*Resource{}, Pagination: Pagination{Limit: limit, Offset: offset}}, nil
	}

	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("store list failed: %w", err)
	}

	cutoff := r.clock.Now().Add(-visibilityTTL)
	visible := make([]*Resource, 0, len(all))
	for _, res := range all {
		if res.DeletedAt != nil || res.LastUpdated.Before(cutoff) {
			continue
		}
		// Safety filter re-applied at query time for defense in depth.
		if err := CheckResourceURL(res.Resource, r.allowLocalhost); err != nil {
			continue
		}
		if q.Type != "" && res.Type != q.Type {
			continue
		}
		if !metadataMatches(res.Metadata, q.Metadata) {
			continue
		}
		visible = append(visible, res)
	}

	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].LastUpdated.After(visible[j].LastUpdated)
	})

	total := len(visible)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &Page{
		Items:      visible[offset:end],
		Pagination: Pagination{Limit: limit, Offset: offset, Total: total},
	}, nil
}

func metadataMatches(have map[string]any, want map[string]any) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Cleanup purges records soft-deleted more than 30 days ago.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	return r.store.Purge(ctx, r.clock.Now().Add(-purgeAfter))
}
