package symbols

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/database"
	"github.com/aristath/quantlab/internal/domain"
)

type fakeUpstream struct {
	contracts map[string][]FutureContract
	products  map[string]FutureProduct
	calls     atomic.Int64
	fail      error
}

func (f *fakeUpstream) FuturesContracts(_ context.Context, p FutureProduct) ([]FutureContract, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	cs, ok := f.contracts[p.Root]
	if !ok {
		return nil, domain.E(domain.KindUnknownSymbol, "no security definition for %s", p.Root)
	}
	return cs, nil
}

func (f *fakeUpstream) DiscoverProduct(_ context.Context, root, _ string) (FutureProduct, error) {
	p, ok := f.products[root]
	if !ok {
		return FutureProduct{}, domain.E(domain.KindUnknownSymbol, "no product %s", root)
	}
	return p, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// esCalendar builds a plausible quarterly ES calendar for 2026.
func esCalendar() []FutureContract {
	return []FutureContract{
		{Root: "ES", Code: "H26", Listing: date(2025, 6, 20), LastTrading: date(2026, 3, 20)},
		{Root: "ES", Code: "M26", Listing: date(2025, 9, 19), LastTrading: date(2026, 6, 19)},
		{Root: "ES", Code: "U26", Listing: date(2025, 12, 19), LastTrading: date(2026, 9, 18)},
		{Root: "ES", Code: "Z26", Listing: date(2026, 3, 20), LastTrading: date(2026, 12, 18)},
	}
}

func newTestResolver(t *testing.T, up *fakeUpstream) *Resolver {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	db, err := database.NewInMemory("resolver_" + t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewCalendarStore(db, log)
	require.NoError(t, err)
	return NewResolver(NewRegistry(t.TempDir(), log), store, up, log)
}

func TestResolveEquitySingleSegment(t *testing.T) {
	r := newTestResolver(t, &fakeUpstream{})
	rng := domain.Range{Start: date(2026, 1, 1), End: date(2026, 2, 1)}

	tok, _ := ParseToken("EQ:SPY")
	chain, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, SecStock, chain[0].Instrument.SecType)
	assert.Equal(t, rng, chain[0].Validity)
}

func TestResolveContinuousChainPartitionsRange(t *testing.T) {
	up := &fakeUpstream{contracts: map[string][]FutureContract{"ES": esCalendar()}}
	r := newTestResolver(t, up)

	rng := domain.Range{Start: date(2026, 2, 1), End: date(2026, 8, 1)}
	tok, _ := ParseToken("IX:ES.A")
	chain, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	// Segments are ordered, non-overlapping and gap-free within coverage.
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].Validity.End, chain[i].Validity.Start,
			"segments must abut with no gap")
	}
	// The chain should have rolled at least twice over six months.
	assert.GreaterOrEqual(t, len(chain), 2)
	// Each segment's contract is the front contract for its interval.
	assert.Equal(t, "ESH26", chain[0].Instrument.LocalSymbol)
}

func TestResolvePositionalSelectsSecondContract(t *testing.T) {
	up := &fakeUpstream{contracts: map[string][]FutureContract{"ES": esCalendar()}}
	r := newTestResolver(t, up)

	rng := domain.Range{Start: date(2026, 2, 1), End: date(2026, 3, 1)}
	tok, _ := ParseToken("IX:ES2")
	chain, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	require.NotEmpty(t, chain)
	assert.Equal(t, "ESM26", chain[0].Instrument.LocalSymbol)
}

func TestResolveExplicitContract(t *testing.T) {
	up := &fakeUpstream{contracts: map[string][]FutureContract{"ES": esCalendar()}}
	r := newTestResolver(t, up)

	rng := domain.Range{Start: date(2026, 1, 1), End: date(2026, 9, 1)}
	tok, _ := ParseToken("IX:ESU26")
	chain, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "ESU26", chain[0].Instrument.LocalSymbol)
	assert.Equal(t, date(2025, 12, 19), chain[0].Validity.Start)

	missing, _ := ParseToken("IX:ESZ99")
	_, err = r.Resolve(context.Background(), missing, rng)
	require.Error(t, err)
	assert.Equal(t, domain.KindNoChainForRange, domain.KindOf(err))
}

func TestCalendarCachedUntilTTL(t *testing.T) {
	up := &fakeUpstream{contracts: map[string][]FutureContract{"ES": esCalendar()}}
	r := newTestResolver(t, up)
	rng := domain.Range{Start: date(2026, 2, 1), End: date(2026, 3, 1)}
	tok, _ := ParseToken("IX:ES.A")

	_, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
	assert.Equal(t, int64(1), up.calls.Load(), "second resolve must hit the stored calendar")
}

func TestCalendarStaleOnFailure(t *testing.T) {
	up := &fakeUpstream{contracts: map[string][]FutureContract{"ES": esCalendar()}}
	r := newTestResolver(t, up)
	rng := domain.Range{Start: date(2026, 2, 1), End: date(2026, 3, 1)}
	tok, _ := ParseToken("IX:ES.A")

	_, err := r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)

	// Expire the stamp and make the upstream fail: the stale calendar is
	// still served.
	r.ttl = 0
	up.fail = domain.E(domain.KindUpstreamUnavailable, "gateway down")
	_, err = r.Resolve(context.Background(), tok, rng)
	require.NoError(t, err)
}

func TestResolveUnknownRoot(t *testing.T) {
	r := newTestResolver(t, &fakeUpstream{})
	rng := domain.Range{Start: date(2026, 2, 1), End: date(2026, 3, 1)}
	tok, _ := ParseToken("IX:XYZW.A")
	_, err := r.Resolve(context.Background(), tok, rng)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnknownRoot, domain.KindOf(err))
}

func TestRegistryPersistsDiscovered(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()

	reg := NewRegistry(dir, log)
	require.NoError(t, reg.Save(FutureProduct{
		Root: "NG", Symbol: "NG", Exchange: "NYMEX", Currency: "USD", Multiplier: 10000,
	}))

	reopened := NewRegistry(dir, log)
	p, ok := reopened.Lookup("NG")
	require.True(t, ok)
	assert.Equal(t, "NYMEX", p.Exchange)
	assert.Equal(t, defaultRollOffset, p.RollOffsetDays)
}
