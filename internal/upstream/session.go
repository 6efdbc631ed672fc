package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
)

const (
	dialTimeout       = 15 * time.Second
	baseReconnectWait = 2 * time.Second
	maxReconnectWait  = 2 * time.Minute
)

// Config holds the gateway endpoint.
type Config struct {
	Host     string
	Port     int
	ClientID int
}

// URL returns the websocket endpoint.
func (c Config) URL() string {
	return fmt.Sprintf("ws://%s:%d/v1/api/ws?client_id=%d", c.Host, c.Port, c.ClientID)
}

// Session owns the single gateway connection. Calls are correlated by frame
// id; a reader goroutine dispatches responses to the pending map. On
// disconnect every pending call fails with UpstreamUnavailable and a
// background loop re-dials with exponential backoff.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan *frame
	connected bool
	closed    bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewSession builds an unconnected session.
func NewSession(cfg Config, log zerolog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		log:     log.With().Str("component", "upstream_session").Logger(),
		pending: make(map[string]chan *frame),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start dials the gateway and launches the read loop. The initial dial must
// succeed; later disconnects are handled by the reconnect loop.
func (s *Session) Start(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamUnavailable, err, "cannot reach gateway at %s:%d", s.cfg.Host, s.cfg.Port)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.run()
	s.log.Info().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Msg("gateway session established")
	return nil
}

// Shutdown closes the connection and fails pending calls.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stop)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, s.cfg.URL(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(16 << 20) // historical bar payloads are large
	return conn, nil
}

// run owns the connection: reads frames until error, then reconnects.
func (s *Session) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			s.readLoop(conn)
		}

		select {
		case <-s.stop:
			return
		default:
		}

		s.failPending(domain.E(domain.KindUpstreamUnavailable, "gateway connection lost"))
		if !s.reconnect() {
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			select {
			case <-s.stop:
			default:
				s.log.Warn().Err(err).Msg("gateway read failed")
			}
			return
		}
		s.dispatch(&f)
	}
}

func (s *Session) dispatch(f *frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.mu.Unlock()
	if !ok {
		// Late response for a caller that gave up; drop it.
		s.log.Debug().Str("id", f.ID).Msg("response for unknown request")
		return
	}
	ch <- f
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan *frame)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- &frame{OK: false, Error: &wireError{Code: codeConnectivity, Message: err.Error()}}
	}
}

// reconnect re-dials with exponential backoff until it succeeds or the
// session stops. Returns false when stopped.
func (s *Session) reconnect() bool {
	for attempt := 0; ; attempt++ {
		wait := time.Duration(float64(baseReconnectWait) * math.Pow(2, float64(attempt)))
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
		s.log.Info().Dur("wait", wait).Int("attempt", attempt+1).Msg("reconnecting to gateway")
		select {
		case <-s.stop:
			return false
		case <-time.After(wait):
		}

		conn, err := s.dial(context.Background())
		if err != nil {
			s.log.Warn().Err(err).Msg("gateway reconnect failed")
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		s.log.Info().Msg("gateway session re-established")
		return true
	}
}

// call sends one frame and waits for its correlated response.
func (s *Session) call(ctx context.Context, op Op, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return domain.Wrap(domain.KindInvariant, err, "marshal %s params", op)
	}
	req := frame{ID: uuid.NewString(), Op: op, Params: raw}
	ch := make(chan *frame, 1)

	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return domain.E(domain.KindUpstreamUnavailable, "gateway session not connected")
	}
	conn := s.conn
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := wsjson.Write(ctx, conn, &req); err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return domain.Wrap(domain.KindUpstreamUnavailable, err, "gateway write failed")
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return domain.E(domain.KindTimeout, "gateway request timed out")
		}
		return domain.E(domain.KindCancelled, "gateway request cancelled")
	case resp := <-ch:
		if resp.Error != nil {
			return domain.E(kindForCode(resp.Error.Code), "gateway error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return domain.Wrap(domain.KindInvariant, err, "decode %s response", op)
		}
		return nil
	}
}

// HistoricalBars fetches bars for one contract segment.
func (s *Session) HistoricalBars(ctx context.Context, p BarsParams) ([]domain.Bar, error) {
	var res barsResult
	if err := s.call(ctx, OpHistoricalBars, p, &res); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, len(res.Bars))
	for i, b := range res.Bars {
		bars[i] = domain.Bar{
			Time:   time.Unix(b.T, 0).UTC(),
			Open:   b.O,
			High:   b.H,
			Low:    b.L,
			Close:  b.C,
			Volume: b.V,
		}
	}
	return bars, nil
}

// ContractDetails enumerates contracts matching the template.
func (s *Session) ContractDetails(ctx context.Context, p DetailsParams) ([]ContractDetails, error) {
	var res detailsResult
	if err := s.call(ctx, OpContractDetails, p, &res); err != nil {
		return nil, err
	}
	return res.Contracts, nil
}

// MatchingSymbols free-text searches the gateway's contract database.
func (s *Session) MatchingSymbols(ctx context.Context, query string, limit int) ([]ContractDetails, error) {
	var res detailsResult
	if err := s.call(ctx, OpMatchingSymbols, SearchParams{Query: query, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Contracts, nil
}

// ContractRefFor converts a resolved instrument to its wire form.
func ContractRefFor(inst symbols.Instrument) ContractRef {
	return ContractRef{
		SecType:         string(inst.SecType),
		Symbol:          inst.Symbol,
		Exchange:        inst.Exchange,
		PrimaryExchange: inst.PrimaryExchange,
		Currency:        inst.Currency,
		Expiry:          inst.Expiry,
		TradingClass:    inst.TradingClass,
		Multiplier:      inst.Multiplier,
	}
}
