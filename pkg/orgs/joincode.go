package orgs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/savistas/orgseats/pkg/observability"
)

// CodeLookup is the read side of the Directory Store used by the resolver.
type CodeLookup interface {
	GetOrganization(ctx context.Context, orgID int64) (*Organization, error)
	GetOrganizationByJoinCode(ctx context.Context, code string) (*Organization, error)
}

// NormalizeJoinCode returns the canonical form codes are stored and compared in.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateJoinCode returns a random code formatted as XXXX-XXXX-XXXX.
func GenerateJoinCode() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate join code: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(raw))
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12], nil
}

// Resolver maps join codes to approved organizations.
//
// Positive lookups are cached as code -> organization id. A cache hit still
// reads the organization by primary key, so a code that was regenerated on
// another instance, or an organization whose approval was revoked, is never
// served from the cache.
type Resolver struct {
	store   CodeLookup
	cache   *lru.LRU[string, int64]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewResolver creates a resolver caching up to size codes for ttl.
func NewResolver(store CodeLookup, size int, ttl time.Duration, metrics *observability.Metrics) *Resolver {
	if size <= 0 {
		size = 1024
	}
	return &Resolver{
		store:   store,
		cache:   lru.NewLRU[string, int64](size, nil, ttl),
		metrics: metrics,
	}
}

// Resolve returns the approved organization whose join code matches code,
// ignoring case and surrounding whitespace.
func (r *Resolver) Resolve(ctx context.Context, code string) (*JoinTarget, error) {
	normalized := NormalizeJoinCode(code)
	if normalized == "" {
		r.metrics.RecordJoinCodeLookup("not_found")
		return nil, notFound("join code", `""`)
	}

	org, err := r.lookup(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.metrics.RecordJoinCodeLookup("not_found")
		}
		return nil, err
	}

	if !org.IsApproved() {
		r.metrics.RecordJoinCodeLookup("not_approved")
		return nil, fmt.Errorf("organization %d: %w", org.ID, ErrNotApproved)
	}

	r.metrics.RecordJoinCodeLookup("resolved")
	return &JoinTarget{OrganizationID: org.ID, OrganizationName: org.Name}, nil
}

func (r *Resolver) lookup(ctx context.Context, code string) (*Organization, error) {
	if orgID, ok := r.cache.Get(code); ok {
		org, err := r.store.GetOrganization(ctx, orgID)
		if err == nil && org.JoinCode == code {
			return org, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.cache.Remove(code)
	}

	// The shared lookup outlives any single caller; each caller still stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(code, func() (interface{}, error) {
		return r.store.GetOrganizationByJoinCode(shared, code)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		org := res.Val.(*Organization)
		r.cache.Add(code, org.ID)
		return org, nil
	}
}

// Forget drops code from the cache.
func (r *Resolver) Forget(code string) {
	r.cache.Remove(NormalizeJoinCode(code))
}
