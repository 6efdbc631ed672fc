package symbols

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/quantlab/internal/domain"
)

// Upstream is the slice of the market-data gateway the resolver needs:
// enumerating a root's contracts and probing unknown roots.
type Upstream interface {
	// FuturesContracts enumerates the live and near-past contracts for a
	// product, sorted by last trading day.
	FuturesContracts(ctx context.Context, product FutureProduct) ([]FutureContract, error)
	// DiscoverProduct probes the upstream for an unknown root, trying the
	// given venue first when one is set.
	DiscoverProduct(ctx context.Context, root, venue string) (FutureProduct, error)
}

// Segment is one (contract, validity) entry of a resolved chain. Validity
// intervals are right-open and ordered; together they partition the covered
// part of the requested range.
type Segment struct {
	Instrument Instrument
	Validity   domain.Range
}

// Chain is the resolved form of a token over a range.
type Chain []Segment

// Covers reports whether the chain covers the instant t.
func (c Chain) Covers(t time.Time) bool {
	for _, s := range c {
		if s.Validity.Contains(t) {
			return true
		}
	}
	return false
}

// Resolver turns canonical tokens into contract chains. Expiry calendars are
// cached in sqlite with a TTL; refreshes for the same root are collapsed by
// a single-flight group.
type Resolver struct {
	registry *Registry
	store    *CalendarStore
	upstream Upstream
	ttl      time.Duration
	group    singleflight.Group
	log      zerolog.Logger
}

// CalendarTTL is the default refresh interval for stored expiry calendars.
const CalendarTTL = 24 * time.Hour

// NewResolver wires a resolver.
func NewResolver(registry *Registry, store *CalendarStore, upstream Upstream, log zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		store:    store,
		upstream: upstream,
		ttl:      CalendarTTL,
		log:      log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve materializes a token into a chain of concrete contracts covering
// rng. Equities, FX and cash indices resolve to a single full-range segment;
// futures selectors expand through the roll calendar.
func (r *Resolver) Resolve(ctx context.Context, tok Token, rng domain.Range) (Chain, error) {
	if !rng.Start.Before(rng.End) {
		return nil, domain.E(domain.KindEmptyRange, "empty range for %s", tok)
	}

	switch tok.Namespace {
	case NSEquity:
		return Chain{{Instrument: stockInstrument(tok), Validity: rng}}, nil
	case NSForex:
		return Chain{{Instrument: fxInstrument(tok), Validity: rng}}, nil
	case NSIndex:
		if tok.Kind == FutNone {
			inst, err := cashIndexInstrument(tok)
			if err != nil {
				return nil, err
			}
			return Chain{{Instrument: inst, Validity: rng}}, nil
		}
		return r.resolveFutures(ctx, tok, rng)
	}
	return nil, domain.E(domain.KindMalformedToken, "unsupported token %q", tok.String())
}

func (r *Resolver) resolveFutures(ctx context.Context, tok Token, rng domain.Range) (Chain, error) {
	product, err := r.product(ctx, tok)
	if err != nil {
		return nil, err
	}
	contracts, err := r.ContractsFor(ctx, product)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, domain.E(domain.KindUnknownRoot, "no contracts known for root %s", product.Root)
	}

	switch tok.Kind {
	case FutExplicit:
		return explicitChain(product, contracts, tok)
	case FutContinuous:
		return rollChain(product, contracts, rng, 1)
	case FutPositional:
		return rollChain(product, contracts, rng, tok.Position)
	}
	return nil, domain.E(domain.KindInvariant, "unreachable futures kind")
}

// product finds the root's product, discovering it through the upstream when
// it is not in the registry yet.
func (r *Resolver) product(ctx context.Context, tok Token) (FutureProduct, error) {
	if p, ok := r.registry.Lookup(tok.Name); ok {
		return p, nil
	}
	p, err := r.upstream.DiscoverProduct(ctx, tok.Name, tok.Venue)
	if err != nil {
		if domain.KindOf(err) == domain.KindUpstreamUnavailable {
			return FutureProduct{}, err
		}
		return FutureProduct{}, domain.Wrap(domain.KindUnknownRoot, err, "unknown futures root %q", tok.Name)
	}
	if err := r.registry.Save(p); err != nil {
		r.log.Warn().Err(err).Str("root", p.Root).Msg("failed to persist discovered product")
	}
	r.log.Info().Str("root", p.Root).Str("exchange", p.Exchange).Msg("discovered futures product")
	return p, nil
}

// ContractsFor returns the root's expiry calendar, refreshing the sqlite
// store when its stamp is older than the TTL. A stale calendar is still
// served when the upstream is unavailable. Concurrent refreshes for one root
// collapse into a single upstream call.
func (r *Resolver) ContractsFor(ctx context.Context, product FutureProduct) ([]FutureContract, error) {
	v, err, _ := r.group.Do(product.Root, func() (any, error) {
		stored, refreshedAt, err := r.store.Contracts(product.Root)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 && time.Since(refreshedAt) < r.ttl {
			return stored, nil
		}

		fresh, err := r.upstream.FuturesContracts(ctx, product)
		if err != nil {
			if len(stored) > 0 {
				r.log.Warn().Err(err).Str("root", product.Root).
					Msg("calendar refresh failed, serving stale calendar")
				return stored, nil
			}
			switch domain.KindOf(err) {
			case domain.KindUpstreamUnavailable, domain.KindTimeout,
				domain.KindPacingViolation, domain.KindNoDataFarm, domain.KindCancelled:
				return nil, err
			default:
				// The upstream answered but knows no such root.
				return nil, domain.Wrap(domain.KindUnknownRoot, err,
					"cannot enumerate contracts for %s", product.Root)
			}
		}
		if err := r.store.Replace(product.Root, fresh, time.Now().UTC()); err != nil {
			r.log.Warn().Err(err).Str("root", product.Root).Msg("failed to persist calendar")
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]FutureContract), nil
}

// RefreshRoot force-refreshes one root's calendar, used by the daily job.
func (r *Resolver) RefreshRoot(ctx context.Context, root string) error {
	product, ok := r.registry.Lookup(root)
	if !ok {
		return domain.E(domain.KindUnknownRoot, "unknown futures root %q", root)
	}
	fresh, err := r.upstream.FuturesContracts(ctx, product)
	if err != nil {
		return err
	}
	return r.store.Replace(root, fresh, time.Now().UTC())
}

// RefreshStored refreshes every root that already has a stored calendar.
func (r *Resolver) RefreshStored(ctx context.Context) {
	roots, err := r.store.Roots()
	if err != nil {
		r.log.Error().Err(err).Msg("cannot list calendar roots")
		return
	}
	for _, root := range roots {
		if err := r.RefreshRoot(ctx, root); err != nil {
			r.log.Warn().Err(err).Str("root", root).Msg("calendar refresh failed")
		}
	}
}

// futureInstrument builds the upstream contract for one calendar entry.
func futureInstrument(p FutureProduct, c FutureContract) Instrument {
	return Instrument{
		SecType:      SecFuture,
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		Currency:     p.Currency,
		TradingClass: p.TradingClass,
		Multiplier:   p.Multiplier,
		Expiry:       c.LastTrading.Format("20060102"),
		LocalSymbol:  p.Root + c.Code,
	}
}

// explicitChain resolves IX:ROOTMYY to the single named contract over its
// trading life.
func explicitChain(p FutureProduct, contracts []FutureContract, tok Token) (Chain, error) {
	wantMonth := MonthCodes[tok.MonthCode]
	wantYear := 2000 + tok.YearTwo
	if tok.YearTwo >= 70 {
		wantYear = 1900 + tok.YearTwo
	}
	for _, c := range contracts {
		m, y := c.MonthYear()
		if m == wantMonth && y == wantYear {
			return Chain{{
				Instrument: futureInstrument(p, c),
				Validity:   domain.Range{Start: c.Listing, End: c.LastTrading.AddDate(0, 0, 1)},
			}}, nil
		}
	}
	return nil, domain.E(domain.KindNoChainForRange,
		"no contract %s%c%02d in the %s calendar", tok.Name, tok.MonthCode, tok.YearTwo, p.Root)
}

// rollDate is the day the chain advances past a contract: its last trading
// day minus the product's roll offset in trading days.
func rollDate(p FutureProduct, c FutureContract) time.Time {
	off := p.RollOffsetDays
	if off <= 0 {
		off = defaultRollOffset
	}
	return domain.BusinessDaysBack(c.LastTrading, off)
}

// rollChain expands a continuous or positional selector into segments. At
// any instant t the front contract is the earliest one whose roll date is
// still ahead; position n selects the n-th after it. Ranges before the
// earliest known boundary are left uncovered and surface as missing data.
func rollChain(p FutureProduct, contracts []FutureContract, rng domain.Range, position int) (Chain, error) {
	if position < 1 || position > 9 {
		return nil, domain.E(domain.KindMalformedToken, "futures position must be 1..9, got %d", position)
	}

	var chain Chain
	for i := range contracts {
		j := i + position - 1
		if j >= len(contracts) {
			break
		}
		segStart := contracts[j].Listing
		if i > 0 {
			segStart = rollDate(p, contracts[i-1])
		}
		segEnd := rollDate(p, contracts[i])
		if !segStart.Before(segEnd) {
			continue
		}
		validity := domain.Range{Start: segStart, End: segEnd}.Clamp(rng)
		if validity.IsZero() {
			continue
		}
		chain = append(chain, Segment{
			Instrument: futureInstrument(p, contracts[j]),
			Validity:   validity,
		})
	}
	if len(chain) == 0 {
		return nil, domain.E(domain.KindNoChainForRange,
			"no %s chain covers %s at position %d", p.Root, domain.FormatRange(rng), position)
	}
	return chain, nil
}

// String implements fmt.Stringer for logging.
func (c Chain) String() string {
	if len(c) == 1 {
		return c[0].Instrument.Display()
	}
	return fmt.Sprintf("%s (+%d rolls)", c[0].Instrument.Display(), len(c)-1)
}
