package orgs_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/orgs"
)

// countingLookup counts code lookups that reach the store.
type countingLookup struct {
	orgs.CodeLookup
	byCode atomic.Int32
	delay  time.Duration
}

func (c *countingLookup) GetOrganizationByJoinCode(ctx context.Context, code string) (*orgs.Organization, error) {
	c.byCode.Add(1)
	time.Sleep(c.delay)
	return c.CodeLookup.GetOrganizationByJoinCode(ctx, code)
}

func TestResolver_Resolve(t *testing.T) {
	f := newFixture(t, 5)
	r := orgs.NewResolver(f.store, 16, time.Minute, nil)

	target, err := r.Resolve(f.ctx, " acme-2024-code")
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, target.OrganizationID)
	assert.Equal(t, "Acme Academy", target.OrganizationName)

	_, err = r.Resolve(f.ctx, "")
	assert.ErrorIs(t, err, orgs.ErrNotFound)

	_, err = r.Resolve(f.ctx, "MISSING")
	assert.ErrorIs(t, err, orgs.ErrNotFound)
}

func TestResolver_CachesPositiveLookups(t *testing.T) {
	f := newFixture(t, 5)
	lookup := &countingLookup{CodeLookup: f.store}
	r := orgs.NewResolver(lookup, 16, time.Minute, nil)

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(f.ctx, joinCode)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), lookup.byCode.Load())
}

func TestResolver_CollapsesConcurrentLookups(t *testing.T) {
	f := newFixture(t, 5)
	lookup := &countingLookup{CodeLookup: f.store, delay: 50 * time.Millisecond}
	r := orgs.NewResolver(lookup, 16, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), joinCode)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, lookup.byCode.Load(), int32(10))
}

// gatedLookup holds code lookups until release is closed and fails them if
// their context ended meanwhile.
type gatedLookup struct {
	orgs.CodeLookup
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLookup) GetOrganizationByJoinCode(ctx context.Context, code string) (*orgs.Organization, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.CodeLookup.GetOrganizationByJoinCode(ctx, code)
}

func TestResolver_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	f := newFixture(t, 5)
	lookup := &gatedLookup{
		CodeLookup: f.store,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	r := orgs.NewResolver(lookup, 16, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, joinCode)
		firstErr <- err
	}()
	<-lookup.entered

	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), joinCode)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(lookup.release)
	require.NoError(t, <-second)
}

func TestRegenerateJoinCode(t *testing.T) {
	f := newFixture(t, 5)

	// Warm the cache with the old code.
	_, err := f.svc.Resolver().Resolve(f.ctx, joinCode)
	require.NoError(t, err)

	_, err = f.svc.RegenerateJoinCode(f.ctx, f.org.ID, 999)
	assert.ErrorIs(t, err, orgs.ErrUnauthorized)

	code, err := f.svc.RegenerateJoinCode(f.ctx, f.org.ID, ownerID)
	require.NoError(t, err)
	assert.NotEqual(t, joinCode, code)

	_, err = f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, joinCode)
	assert.ErrorIs(t, err, orgs.ErrNotFound, "the old code must stop resolving")

	m, err := f.svc.RequestJoinByCode(f.ctx, orgs.Member{ID: 100}, code)
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, m.OrganizationID)
}

func TestResolver_StaleCacheEntryIsRechecked(t *testing.T) {
	f := newFixture(t, 5)
	r := orgs.NewResolver(f.store, 16, time.Hour, nil)

	_, err := r.Resolve(f.ctx, joinCode)
	require.NoError(t, err)

	// Another instance regenerates the code behind this resolver's back.
	require.NoError(t, f.store.SetJoinCode(f.ctx, f.org.ID, "NEWC-ODE0-0000"))

	_, err = r.Resolve(f.ctx, joinCode)
	assert.ErrorIs(t, err, orgs.ErrNotFound)
}
