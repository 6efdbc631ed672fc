// Package symbols implements the canonical symbol model and the resolver
// that materializes tokens into upstream contract chains. Continuous and
// positional futures resolve through a per-root expiry calendar persisted in
// sqlite; unknown roots are discovered from the upstream and cached on disk.
package symbols

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aristath/quantlab/internal/domain"
)

// Namespace is the asset-class prefix of a canonical token.
type Namespace string

const (
	NSEquity Namespace = "EQ"
	NSForex  Namespace = "FX"
	NSIndex  Namespace = "IX"
)

// FuturesKind classifies how an IX token selects futures contracts.
type FuturesKind int

const (
	FutNone       FuturesKind = iota // cash index, equity, fx
	FutContinuous                    // IX:ES.A, back-adjusted chain
	FutPositional                    // IX:ES1 .. IX:ES9
	FutExplicit                      // IX:ESU26
)

// Token is a parsed canonical symbol. The zero value is invalid; use
// ParseToken. String reproduces the canonical form, so parse/serialize
// round-trips.
type Token struct {
	Namespace Namespace

	// EQ fields.
	Ticker   string
	Region   string // 2-letter region suffix; empty means US
	Exchange string // explicit venue override (EQ:SAP@IBIS)

	// FX fields.
	Pair string // six letters, e.g. EURUSD

	// IX fields.
	Name      string // root or cash index name
	Venue     string // explicit venue override (IX:DAX@EUREX)
	Kind      FuturesKind
	Position  int    // 1..9 for FutPositional
	MonthCode byte   // F G H J K M N Q U V X Z for FutExplicit
	YearTwo   int    // two-digit year for FutExplicit
}

var (
	tokenRe    = regexp.MustCompile(`^(EQ|FX|IX):([A-Za-z0-9]+(?:[@.][A-Za-z0-9.]+)*)$`)
	regionRe   = regexp.MustCompile(`^[A-Z]{2}$`)
	fxPairRe   = regexp.MustCompile(`^[A-Z]{6}$`)
	futCodeRe  = regexp.MustCompile(`^([A-Z0-9]+?)([FGHJKMNQUVXZ])([0-9]{2})$`)
	futPosRe   = regexp.MustCompile(`^([A-Z0-9]*[A-Z])([1-9])$`)
	venueSelRe = regexp.MustCompile(`^([A-Z0-9]+)@([A-Z0-9.]+?)\.(A|[1-9])$`)
)

// MonthCodes maps futures month letters to month numbers.
var MonthCodes = map[byte]int{
	'F': 1, 'G': 2, 'H': 3, 'J': 4, 'K': 5, 'M': 6,
	'N': 7, 'Q': 8, 'U': 9, 'V': 10, 'X': 11, 'Z': 12,
}

// ParseToken parses a canonical symbol token such as EQ:SPY, EQ:SAP.GY,
// FX:EURUSD, IX:SPX, IX:ES.A, IX:ES1 or IX:ESU26.
func ParseToken(s string) (Token, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	m := tokenRe.FindStringSubmatch(raw)
	if m == nil {
		return Token{}, domain.E(domain.KindMalformedToken,
			"bad symbol token %q: expected NAMESPACE:BODY like EQ:SPY, FX:EURUSD, IX:ES.A", s)
	}
	ns, body := Namespace(m[1]), m[2]

	switch ns {
	case NSEquity:
		return parseEquity(raw, body)
	case NSForex:
		if !fxPairRe.MatchString(body) {
			return Token{}, domain.E(domain.KindMalformedToken,
				"bad FX pair in %q: expected six letters like FX:EURUSD", s)
		}
		return Token{Namespace: NSForex, Pair: body}, nil
	case NSIndex:
		return parseIndex(raw, body)
	}
	return Token{}, domain.E(domain.KindMalformedToken, "unsupported namespace in %q", s)
}

func parseEquity(raw, body string) (Token, error) {
	if at := strings.IndexByte(body, '@'); at >= 0 {
		ticker, exch := body[:at], body[at+1:]
		if ticker == "" || exch == "" {
			return Token{}, domain.E(domain.KindMalformedToken,
				"bad exchange override in %q: use EQ:SAP@IBIS", raw)
		}
		return Token{Namespace: NSEquity, Ticker: ticker, Exchange: exch}, nil
	}
	if dot := strings.IndexByte(body, '.'); dot >= 0 {
		ticker, region := body[:dot], body[dot+1:]
		if !regionRe.MatchString(region) {
			return Token{}, domain.E(domain.KindMalformedToken,
				"bad region suffix %q in %q: use a 2-letter suffix like .HK, .GY, .LN", region, raw)
		}
		if region == "US" {
			region = "" // canonical form omits the default region
		}
		return Token{Namespace: NSEquity, Ticker: ticker, Region: region}, nil
	}
	return Token{Namespace: NSEquity, Ticker: body}, nil
}

func parseIndex(raw, body string) (Token, error) {
	// Venue override with a trailing futures selector: IX:DAX@EUREX.1,
	// IX:N225@OSE.JPN.A. The venue itself may contain dots.
	if m := venueSelRe.FindStringSubmatch(body); m != nil {
		tok := Token{Namespace: NSIndex, Name: m[1], Venue: m[2]}
		if m[3] == "A" {
			tok.Kind = FutContinuous
		} else {
			tok.Kind = FutPositional
			tok.Position, _ = strconv.Atoi(m[3])
		}
		return tok, nil
	}

	// Plain venue override: IX:DAX@EUREX, IX:N225@OSE.JPN.
	if at := strings.IndexByte(body, '@'); at >= 0 {
		name, venue := body[:at], body[at+1:]
		if name == "" || venue == "" {
			return Token{}, domain.E(domain.KindMalformedToken,
				"bad venue override in %q: use IX:DAX@EUREX", raw)
		}
		return Token{Namespace: NSIndex, Name: name, Venue: venue}, nil
	}

	// Continuous suffix: IX:ES.A.
	if strings.HasSuffix(body, ".A") {
		root := strings.TrimSuffix(body, ".A")
		if root == "" || strings.Contains(root, ".") {
			return Token{}, domain.E(domain.KindMalformedToken, "bad continuous root in %q", raw)
		}
		return Token{Namespace: NSIndex, Name: root, Kind: FutContinuous}, nil
	}

	// Dotted positional alias: IX:ES.1 normalizes to IX:ES1.
	if dot := strings.LastIndexByte(body, '.'); dot >= 0 {
		root, suf := body[:dot], body[dot+1:]
		if len(suf) == 1 && suf[0] >= '1' && suf[0] <= '9' && !strings.Contains(root, ".") {
			n, _ := strconv.Atoi(suf)
			return Token{Namespace: NSIndex, Name: root, Kind: FutPositional, Position: n}, nil
		}
		// Otherwise a dotted cash index alias such as IX:HHI.HK.
		return Token{Namespace: NSIndex, Name: body}, nil
	}

	// Cash index aliases are never contract codes, even when they end in a
	// month letter and two digits (IX:ESTX50).
	if _, ok := indexAliases[body]; ok {
		return Token{Namespace: NSIndex, Name: body}, nil
	}

	// Explicit contract code: IX:ESU26. Checked before the positional form so
	// the trailing year digits are not read as a position.
	if m := futCodeRe.FindStringSubmatch(body); m != nil {
		yy, _ := strconv.Atoi(m[3])
		return Token{
			Namespace: NSIndex,
			Name:      m[1],
			Kind:      FutExplicit,
			MonthCode: m[2][0],
			YearTwo:   yy,
		}, nil
	}

	// Positional: IX:ES1 .. IX:ES9. A longer digit run (IX:N225, IX:SX5E)
	// is a cash index name, not a position.
	if m := futPosRe.FindStringSubmatch(body); m != nil {
		n, _ := strconv.Atoi(m[2])
		return Token{Namespace: NSIndex, Name: m[1], Kind: FutPositional, Position: n}, nil
	}

	return Token{Namespace: NSIndex, Name: body}, nil
}

// String returns the canonical token form.
func (t Token) String() string {
	switch t.Namespace {
	case NSEquity:
		switch {
		case t.Exchange != "":
			return fmt.Sprintf("EQ:%s@%s", t.Ticker, t.Exchange)
		case t.Region != "":
			return fmt.Sprintf("EQ:%s.%s", t.Ticker, t.Region)
		default:
			return "EQ:" + t.Ticker
		}
	case NSForex:
		return "FX:" + t.Pair
	case NSIndex:
		body := t.Name
		if t.Venue != "" {
			body += "@" + t.Venue
		}
		switch t.Kind {
		case FutContinuous:
			if t.Venue != "" {
				return fmt.Sprintf("IX:%s.A", body)
			}
			return fmt.Sprintf("IX:%s.A", t.Name)
		case FutPositional:
			if t.Venue != "" {
				return fmt.Sprintf("IX:%s.%d", body, t.Position)
			}
			return fmt.Sprintf("IX:%s%d", t.Name, t.Position)
		case FutExplicit:
			return fmt.Sprintf("IX:%s%c%02d", t.Name, t.MonthCode, t.YearTwo)
		default:
			return "IX:" + body
		}
	}
	return ""
}

// IsFutures reports whether the token selects futures contracts.
func (t Token) IsFutures() bool { return t.Kind != FutNone }
