package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeSettler struct {
	mu    sync.Mutex
	fail  map[string]bool // buyer commitment -> fail
	calls []*settlement.DirectSettlement
}

func (f *fakeSettler) SettleMatch(_ context.Context, req *settlement.DirectSettlement) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail[req.BuyerID] {
		return "", errors.New("ledger rejected")
	}
	return "0xd-" + req.BuyerID, nil
}

// fakeLiquidator either settles everything or fails the whole cohort.
type fakeLiquidator struct {
	mu      sync.Mutex
	fail    bool
	cohorts [][]string
	ctxErrs []error // ctx.Err() seen after during returns
	during  func()  // runs inside Liquidate, without the engine lock
}

func (f *fakeLiquidator) Liquidate(ctx context.Context, _ uint64, orders []*orderbook.Order) []settlement.Result {
	f.mu.Lock()
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.Commitment
	}
	f.cohorts = append(f.cohorts, ids)
	fail, during := f.fail, f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	out := make([]settlement.Result, len(orders))
	for i, o := range orders {
		out[i].Order = o
		if fail {
			out[i].Err = fmt.Errorf("%w: venue down, retry next batch", settlement.ErrSettlementCohort)
		} else {
			out[i].Digest = "0xcohort"
		}
	}
	return out
}

func (f *fakeLiquidator) Cohorts() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.cohorts...)
}

type stubOracle struct{ px *decimal.Decimal }

func (s stubOracle) ReferencePrice(context.Context) (*decimal.Decimal, error) { return s.px, nil }

type recorder struct {
	mu          sync.Mutex
	found       int
	settled     []string
	liquidated  []string
	resolutions []Resolution
}

func (r *recorder) MatchFound(matcher.Match) {
	r.mu.Lock()
	r.found++
	r.mu.Unlock()
}

func (r *recorder) SettlementRecorded(_ matcher.Match, digest string, _ *big.Int) {
	r.mu.Lock()
	r.settled = append(r.settled, digest)
	r.mu.Unlock()
}

func (r *recorder) LiquidationExecuted(m matcher.Match, _ string) {
	r.mu.Lock()
	r.liquidated = append(r.liquidated, m.SellCommitment())
	r.mu.Unlock()
}

func (r *recorder) BatchResolved(res Resolution) {
	r.mu.Lock()
	r.resolutions = append(r.resolutions, res)
	r.mu.Unlock()
}

func (r *recorder) Resolutions() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resolution(nil), r.resolutions...)
}

type memStore struct {
	mu      sync.Mutex
	latest  *Resolution
	matches []matcher.Match
}

func (s *memStore) SaveResolution(r *Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.latest = &cp
	return nil
}

func (s *memStore) LatestResolution() (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *memStore) SaveMatch(_ uint64, m matcher.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
	return nil
}

type lineWAL struct {
	mu    sync.Mutex
	lines []string
}

func (w *lineWAL) Append(line string) {
	w.mu.Lock()
	w.lines = append(w.lines, line)
	w.mu.Unlock()
}

type harness struct {
	clock *util.ManualClock
	book  *orderbook.OrderBook
	eng   *Engine
	rec   *recorder
	store *memStore
}

func newHarness(t *testing.T, settler settlement.DirectSettler, liq Liquidator) *harness {
	t.Helper()
	clk := util.NewManualClock(t0)
	book := orderbook.NewOrderBook()
	m := matcher.New(book, nil, matcher.WithClock(clk))
	eng := NewEngine(DefaultConfig(), book, m, settler, liq, clk, nil)
	rec := &recorder{}
	store := &memStore{}
	eng.Notifiers = []Notifier{rec}
	eng.Store = store
	return &harness{clock: clk, book: book, eng: eng, rec: rec, store: store}
}

func ord(id string, side orderbook.Side, price, amount int64) *orderbook.Order {
	return &orderbook.Order{
		Commitment:   id,
		Side:         side,
		Price:        price,
		Amount:       amount,
		LockedAmount: amount,
		Owner:        common.HexToAddress("0x0e"),
		Timestamp:    t0,
	}
}
