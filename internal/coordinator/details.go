package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
	"github.com/aristath/quantlab/internal/upstream"
)

// monthLetters is the inverse of symbols.MonthCodes.
var monthLetters = [13]byte{0, 'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z'}

// discoveryExchanges is the deterministic probe order for unknown roots.
var discoveryExchanges = []string{
	"CME", "CBOT", "NYMEX", "COMEX", "ICEUS", "ICEEU",
	"EUREX", "DTB", "SGX", "OSE.JPN", "HKFE",
}

// FuturesContracts enumerates the live and near-past contracts for a
// product, satisfying symbols.Upstream. Contract details calls bypass the
// bar queue: they are rare, cheap and paced only by the overall bucket.
func (c *Coordinator) FuturesContracts(ctx context.Context, product symbols.FutureProduct) ([]symbols.FutureContract, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.E(domain.KindTimeout, "pacing wait for contract details")
	}
	details, err := c.gateway.ContractDetails(ctx, upstream.DetailsParams{
		SecType:      string(symbols.SecFuture),
		Symbol:       product.Symbol,
		Exchange:     product.Exchange,
		TradingClass: product.TradingClass,
		Currency:     product.Currency,
	})
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, domain.E(domain.KindUnknownSymbol, "no contracts for %s@%s", product.Symbol, product.Exchange)
	}

	contracts := make([]symbols.FutureContract, 0, len(details))
	for _, d := range details {
		last, err := time.Parse("20060102", d.Expiry)
		if err != nil {
			continue
		}
		listing := last.AddDate(0, -9, 0)
		if d.Listing != "" {
			if l, err := time.Parse("20060102", d.Listing); err == nil {
				listing = l
			}
		}
		contracts = append(contracts, symbols.FutureContract{
			Root:        product.Root,
			Code:        contractCode(last),
			Listing:     listing.UTC(),
			LastTrading: last.UTC(),
		})
	}
	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].LastTrading.Before(contracts[j].LastTrading)
	})
	return contracts, nil
}

// contractCode derives the month-year code (e.g. U26) from a last trading
// day. Contracts expiring in the last days of a month belong to the next
// month's cycle on some venues; the expiry month is what the code encodes.
func contractCode(lastTrading time.Time) string {
	m := monthLetters[int(lastTrading.Month())]
	yy := lastTrading.Year() % 100
	return string([]byte{m, byte('0' + yy/10), byte('0' + yy%10)})
}

// DiscoverProduct probes the gateway for an unknown futures root, trying the
// requested venue first and then a deterministic exchange list.
func (c *Coordinator) DiscoverProduct(ctx context.Context, root, venue string) (symbols.FutureProduct, error) {
	candidates := make([]string, 0, len(discoveryExchanges)+1)
	if venue != "" && venue != "AUTO" {
		candidates = append(candidates, venue)
	}
	for _, ex := range discoveryExchanges {
		if ex != venue {
			candidates = append(candidates, ex)
		}
	}

	var lastErr error
	for _, ex := range candidates {
		details, err := c.gateway.ContractDetails(ctx, upstream.DetailsParams{
			SecType:  string(symbols.SecFuture),
			Symbol:   root,
			Exchange: ex,
		})
		if err != nil {
			lastErr = err
			if !domain.Retryable(err) && domain.KindOf(err) != domain.KindUnknownSymbol {
				return symbols.FutureProduct{}, err
			}
			continue
		}
		if len(details) == 0 {
			continue
		}
		d := details[0]
		c.log.Info().Str("root", root).Str("exchange", d.Exchange).Msg("discovered futures product")
		return symbols.FutureProduct{
			Root:         root,
			Symbol:       d.Symbol,
			TradingClass: d.TradingClass,
			Exchange:     d.Exchange,
			Currency:     d.Currency,
			Multiplier:   d.Multiplier,
		}, nil
	}
	if lastErr != nil {
		return symbols.FutureProduct{}, domain.Wrap(domain.KindUnknownRoot, lastErr, "cannot discover futures root %q", root)
	}
	return symbols.FutureProduct{}, domain.E(domain.KindUnknownRoot, "cannot discover futures root %q", root)
}

// Search free-text queries the gateway's contract database.
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]upstream.ContractDetails, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.E(domain.KindTimeout, "pacing wait for symbol search")
	}
	return c.gateway.MatchingSymbols(ctx, query, limit)
}
