package symbols

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// FutureProduct describes a futures root: the upstream contract template
// plus the roll offset used when stitching continuous chains.
type FutureProduct struct {
	Root         string `msgpack:"root"`
	Symbol       string `msgpack:"symbol"`
	TradingClass string `msgpack:"trading_class"`
	Exchange     string `msgpack:"exchange"`
	Currency     string `msgpack:"currency"`
	Multiplier   float64 `msgpack:"multiplier"`
	// RollOffsetDays is how many trading days before the last trading day the
	// continuous chain rolls to the next contract.
	RollOffsetDays int `msgpack:"roll_offset_days"`
}

// defaultRollOffset applies to discovered products with no better value.
const defaultRollOffset = 3

// builtinProducts is the starter registry; anything else is discovered from
// the upstream and persisted by the Registry.
var builtinProducts = map[string]FutureProduct{
	"ES":   {Root: "ES", Symbol: "ES", TradingClass: "ES", Exchange: "CME", Currency: "USD", Multiplier: 50, RollOffsetDays: 7},
	"MES":  {Root: "MES", Symbol: "MES", TradingClass: "MES", Exchange: "CME", Currency: "USD", Multiplier: 5, RollOffsetDays: 7},
	"NQ":   {Root: "NQ", Symbol: "NQ", TradingClass: "NQ", Exchange: "CME", Currency: "USD", Multiplier: 20, RollOffsetDays: 7},
	"MNQ":  {Root: "MNQ", Symbol: "MNQ", TradingClass: "MNQ", Exchange: "CME", Currency: "USD", Multiplier: 2, RollOffsetDays: 7},
	"RTY":  {Root: "RTY", Symbol: "RTY", TradingClass: "RTY", Exchange: "CME", Currency: "USD", Multiplier: 50, RollOffsetDays: 7},
	"DAX":  {Root: "DAX", Symbol: "DAX", TradingClass: "FDAX", Exchange: "EUREX", Currency: "EUR", Multiplier: 25, RollOffsetDays: 5},
	"FDAX": {Root: "FDAX", Symbol: "DAX", TradingClass: "FDAX", Exchange: "EUREX", Currency: "EUR", Multiplier: 25, RollOffsetDays: 5},
	"CL":   {Root: "CL", Symbol: "CL", TradingClass: "CL", Exchange: "NYMEX", Currency: "USD", Multiplier: 1000, RollOffsetDays: 3},
	"GC":   {Root: "GC", Symbol: "GC", TradingClass: "GC", Exchange: "COMEX", Currency: "USD", Multiplier: 100, RollOffsetDays: 3},
}

// Registry looks up futures products: builtins first, then the on-disk
// discovered-products cache. Discovered products are written through to a
// compact msgpack file so restarts do not re-probe the upstream.
type Registry struct {
	mu         sync.Mutex
	path       string
	discovered map[string]FutureProduct
	log        zerolog.Logger
}

// NewRegistry loads (or lazily creates) the discovered-products file under
// dataDir.
func NewRegistry(dataDir string, log zerolog.Logger) *Registry {
	r := &Registry{
		path:       filepath.Join(dataDir, "futures_discovered.msgpack"),
		discovered: map[string]FutureProduct{},
		log:        log.With().Str("component", "futures_registry").Logger(),
	}
	if err := r.load(); err != nil {
		r.log.Warn().Err(err).Msg("discovered products cache unreadable, starting empty")
	}
	return r
}

// Lookup returns the product for a root, if known.
func (r *Registry) Lookup(root string) (FutureProduct, bool) {
	if p, ok := builtinProducts[root]; ok {
		return p, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.discovered[root]
	return p, ok
}

// Save records a discovered product and persists the cache.
func (r *Registry) Save(p FutureProduct) error {
	if p.RollOffsetDays <= 0 {
		p.RollOffsetDays = defaultRollOffset
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[p.Root] = p
	return r.persistLocked()
}

// Roots returns every known root, sorted, builtins included.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	out := make([]string, 0, len(builtinProducts)+len(r.discovered))
	for root := range builtinProducts {
		seen[root] = true
		out = append(out, root)
	}
	for root := range r.discovered {
		if !seen[root] {
			out = append(out, root)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(raw, &r.discovered)
}

// persistLocked writes the cache atomically: temp file then rename.
func (r *Registry) persistLocked() error {
	raw, err := msgpack.Marshal(r.discovered)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}
