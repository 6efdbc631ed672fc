package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantlab/internal/domain"
)

func TestParseTokenRoundTrip(t *testing.T) {
	// Canonical tokens must survive parse -> String unchanged.
	canonical := []string{
		"EQ:SPY",
		"EQ:SAP.GY",
		"EQ:700.HK",
		"EQ:SAP@IBIS",
		"FX:EURUSD",
		"IX:SPX",
		"IX:DAX@EUREX",
		"IX:N225@OSE.JPN",
		"IX:ES.A",
		"IX:ES1",
		"IX:ES9",
		"IX:ESU26",
		"IX:DAX@EUREX.1",
		"IX:HHI.HK",
	}
	for _, in := range canonical {
		t.Run(in, func(t *testing.T) {
			tok, err := ParseToken(in)
			require.NoError(t, err)
			assert.Equal(t, in, tok.String())
		})
	}
}

func TestParseTokenClassification(t *testing.T) {
	tests := []struct {
		in   string
		want Token
	}{
		{"EQ:SPY", Token{Namespace: NSEquity, Ticker: "SPY"}},
		{"eq:spy", Token{Namespace: NSEquity, Ticker: "SPY"}},
		{"EQ:SPY.US", Token{Namespace: NSEquity, Ticker: "SPY"}}, // default region folds away
		{"EQ:700.HK", Token{Namespace: NSEquity, Ticker: "700", Region: "HK"}},
		{"FX:EURUSD", Token{Namespace: NSForex, Pair: "EURUSD"}},
		{"IX:ES.A", Token{Namespace: NSIndex, Name: "ES", Kind: FutContinuous}},
		{"IX:ES2", Token{Namespace: NSIndex, Name: "ES", Kind: FutPositional, Position: 2}},
		{"IX:ES.2", Token{Namespace: NSIndex, Name: "ES", Kind: FutPositional, Position: 2}},
		{"IX:ESU26", Token{Namespace: NSIndex, Name: "ES", Kind: FutExplicit, MonthCode: 'U', YearTwo: 26}},
		// Index names with digit runs are cash indices, not positions.
		{"IX:N225", Token{Namespace: NSIndex, Name: "N225"}},
		{"IX:SX5E", Token{Namespace: NSIndex, Name: "SX5E"}},
		{"IX:DAX@EUREX.1", Token{Namespace: NSIndex, Name: "DAX", Venue: "EUREX", Kind: FutPositional, Position: 1}},
		{"IX:N225@OSE.JPN", Token{Namespace: NSIndex, Name: "N225", Venue: "OSE.JPN"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			tok, err := ParseToken(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tok)
		})
	}
}

func TestParseTokenMalformed(t *testing.T) {
	bad := []string{
		"",
		"SPY",
		"ZZ:SPY",
		"EQ:",
		"EQ:SPY.TOOLONG",
		"FX:EUR",
		"FX:EURUSDX",
		"IX:ES0", // positions start at 1
	}
	for _, in := range bad {
		t.Run(in, func(t *testing.T) {
			_, err := ParseToken(in)
			if in == "IX:ES0" {
				// ES0 falls through to a cash index name; it is not a
				// position but it is not malformed either.
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, domain.KindMalformedToken, domain.KindOf(err))
		})
	}
}

func TestPadNumeric(t *testing.T) {
	assert.Equal(t, "0700", padNumeric("700", "HK"))
	assert.Equal(t, "9984", padNumeric("9984", "JP"))
	assert.Equal(t, "700", padNumeric("700", "US"))
	assert.Equal(t, "SAP", padNumeric("SAP", "HK"))
}

func TestStockInstrumentRegions(t *testing.T) {
	us, _ := ParseToken("EQ:SPY")
	inst := stockInstrument(us)
	assert.Equal(t, "SMART", inst.Exchange)
	assert.Equal(t, "USD", inst.Currency)
	assert.Empty(t, inst.PrimaryExchange)

	hk, _ := ParseToken("EQ:700.HK")
	inst = stockInstrument(hk)
	assert.Equal(t, "SEHK", inst.Exchange)
	assert.Equal(t, "0700", inst.Symbol)
	assert.Equal(t, "HKD", inst.Currency)

	de, _ := ParseToken("EQ:SAP.GY")
	inst = stockInstrument(de)
	assert.Equal(t, "SMART", inst.Exchange)
	assert.Equal(t, "IBIS", inst.PrimaryExchange)
	assert.Equal(t, "EUR", inst.Currency)
}

func TestCashIndexAliases(t *testing.T) {
	tok, _ := ParseToken("IX:ESTX50")
	inst, err := cashIndexInstrument(tok)
	require.NoError(t, err)
	assert.Equal(t, "SX5E", inst.Symbol)
	assert.Equal(t, "EUREX", inst.Exchange)

	unknown, _ := ParseToken("IX:NOPE")
	_, err = cashIndexInstrument(unknown)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnknownSymbol, domain.KindOf(err))
}
