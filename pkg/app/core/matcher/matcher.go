package matcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

const (
	DefaultHistorySize   = 256
	DefaultOracleTimeout = 2 * time.Second
)

// PriceOracle supplies a best-effort external reference price. A nil price
// means the venue has none.
type PriceOracle interface {
	ReferencePrice(ctx context.Context) (*decimal.Decimal, error)
}

// Matcher crosses the book and keeps a bounded match history.
// Apart from the cached reference price it shares the book's requirement
// for external serialization.
type Matcher struct {
	book    *orderbook.OrderBook
	oracle  PriceOracle
	timeout time.Duration
	clock   util.Clock
	sugar   *zap.SugaredLogger

	history *circularbuffer.Queue[*Match]
	lastRef atomic.Pointer[decimal.Decimal]
}

type Option func(*Matcher)

func WithOracle(o PriceOracle, timeout time.Duration) Option {
	return func(m *Matcher) {
		m.oracle = o
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

func WithHistorySize(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.history = circularbuffer.New[*Match](n)
		}
	}
}

func WithClock(c util.Clock) Option {
	return func(m *Matcher) { m.clock = c }
}

func New(book *orderbook.OrderBook, sugar *zap.SugaredLogger, opts ...Option) *Matcher {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	m := &Matcher{
		book:    book,
		timeout: DefaultOracleTimeout,
		clock:   util.RealClock{},
		sugar:   sugar,
		history: circularbuffer.New[*Match](DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindMatches refreshes the reference price and crosses the book.
func (m *Matcher) FindMatches(ctx context.Context) []*Match {
	m.RefreshReferencePrice(ctx)
	return m.Cross()
}

// RefreshReferencePrice queries the oracle with a short timeout. Failures
// are logged and never block matching. It does not touch the book, so it
// may run without the caller's lock.
func (m *Matcher) RefreshReferencePrice(ctx context.Context) *decimal.Decimal {
	if m.oracle == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	px, err := m.oracle.ReferencePrice(ctx)
	if err != nil {
		m.sugar.Warnw("reference_price_unavailable", "err", err)
		return nil
	}
	if px == nil {
		m.sugar.Debugw("reference_price_empty")
		return nil
	}
	m.lastRef.Store(px)
	return px
}

// LastReferencePrice returns the most recent successful oracle reading.
func (m *Matcher) LastReferencePrice() *decimal.Decimal {
	return m.lastRef.Load()
}

// Cross walks bids (best first) and asks (best first) with two cursors.
// Each crossing pair fills at floor((bid+ask)/2) for min(bidAmt, askAmt),
// and both orders leave the book in full. Prices are monotonic along both
// cursors so the walk stops at the first pair that does not cross.
func (m *Matcher) Cross() []*Match {
	bids := m.book.GetBids()
	asks := m.book.GetAsks()
	now := m.clock.Now()

	var out []*Match
	for i, j := 0, 0; i < len(bids) && j < len(asks); i, j = i+1, j+1 {
		bid, ask := bids[i], asks[j]
		if bid.Price < ask.Price {
			break
		}

		m.book.RemoveOrder(bid.Commitment)
		m.book.RemoveOrder(ask.Commitment)
		bid.Status = orderbook.StatusMatched
		ask.Status = orderbook.StatusMatched

		match := &Match{
			Kind:            InternalCross,
			Buy:             bid,
			Sell:            ask,
			ExecutionPrice:  ask.Price + (bid.Price-ask.Price)/2,
			ExecutionAmount: min(bid.Amount, ask.Amount),
			CreatedAt:       now,
		}
		m.history.Enqueue(match)
		out = append(out, match)
	}
	return out
}

// SetSettlementDigestForMatch sets the digest on the most recent undigested
// internal match for the pair. Returns false when no such match exists.
func (m *Matcher) SetSettlementDigestForMatch(buyer, seller, digest string) bool {
	vals := m.history.Values()
	for i := len(vals) - 1; i >= 0; i-- {
		mt := vals[i]
		if mt.Kind != InternalCross || mt.Settled() {
			continue
		}
		if mt.BuyCommitment() == buyer && mt.SellCommitment() == seller {
			return mt.SetDigest(digest)
		}
	}
	return false
}

// RecordExternalLiquidation appends a settled liquidation fill for a
// residual sell.
func (m *Matcher) RecordExternalLiquidation(o *orderbook.Order, digest string) *Match {
	match := &Match{
		Kind:            ExternalLiquidation,
		Sell:            o,
		ExecutionPrice:  o.Price,
		ExecutionAmount: o.Amount,
		CreatedAt:       m.clock.Now(),
	}
	match.SetDigest(digest)
	m.history.Enqueue(match)
	return match
}

// RecentMatches returns copies of up to limit matches, newest first.
// limit <= 0 returns the whole history.
func (m *Matcher) RecentMatches(limit int) []Match {
	vals := m.history.Values()
	if limit <= 0 || limit > len(vals) {
		limit = len(vals)
	}
	out := make([]Match, 0, limit)
	for i := len(vals) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *vals[i])
	}
	return out
}

func (m *Matcher) HistorySize() int {
	return m.history.Size()
}
