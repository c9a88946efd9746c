package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

// Engine owns the accumulation window and runs the three-phase resolution.
//
// One mutex guards the book, the matcher history and the window state. It is
// never held across a call to the settler, the liquidator, the store or a
// notifier. The resolving flag is only read and written under it.
type Engine struct {
	cfg        Config
	book       *orderbook.OrderBook
	matcher    *matcher.Matcher
	settler    settlement.DirectSettler
	liquidator Liquidator
	clock      util.Clock
	sugar      *zap.SugaredLogger

	// Optional: set before Start.
	Store     Store
	WAL       WAL
	Notifiers []Notifier

	mu          sync.Mutex
	ctx         context.Context
	status      Status
	batchID     uint64
	windowStart time.Time
	timer       util.Timer
	gen         uint64 // bumped whenever the armed timer is invalidated
	resolving   bool
	stopped     bool
	lastRes     *Resolution

	// counts running resolutions so Stop can wait for them
	running sync.WaitGroup

	// residual sells handed to the liquidator, and cancels received for them
	inFlight  map[string]*orderbook.Order
	cancelled map[string]struct{}
}

// NewEngine wires the engine. settler and liquidator may be nil, which
// disables the corresponding settlement phase.
func NewEngine(cfg Config, book *orderbook.OrderBook, m *matcher.Matcher, settler settlement.DirectSettler, liq Liquidator, clock util.Clock, sugar *zap.SugaredLogger) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = DefaultConfig().MaxOrders
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	e := &Engine{
		cfg:        cfg,
		book:       book,
		matcher:    m,
		clock:      clock,
		sugar:      sugar,
		settler:    settler,
		liquidator: liq,
		ctx:        context.Background(),
		inFlight:   make(map[string]*orderbook.Order),
		cancelled:  make(map[string]struct{}),
	}
	return e
}

// Start sets the context used by timer and threshold triggered resolutions
// and restores the last batch id from the store. Cancelling ctx does not
// interrupt a resolution that has begun; values are kept, cancellation is not.
func (e *Engine) Start(ctx context.Context) error {
	var last *Resolution
	if e.Store != nil {
		r, err := e.Store.LatestResolution()
		if err != nil {
			return fmt.Errorf("restore last resolution: %w", err)
		}
		last = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = context.WithoutCancel(ctx)
	if last != nil {
		e.lastRes = last
		if last.BatchID > e.batchID {
			e.batchID = last.BatchID
		}
		e.sugar.Infow("engine_restored", "last_batch_id", last.BatchID)
	}
	return nil
}

// Stop disarms the window timer and blocks until an in-flight resolution
// has run all three phases. No resolution starts after Stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.stopTimerLocked()
	e.mu.Unlock()

	e.running.Wait()
	e.sugar.Infow("engine_stopped", "batch_id", e.GetState().BatchID)
}

// AddOrder inserts a decrypted order and does the window bookkeeping. The
// window is fixed from the first arrival and never extended. Reaching
// MaxOrders open orders while accumulating resolves immediately.
func (e *Engine) AddOrder(o *orderbook.Order) error {
	if o == nil || o.Price <= 0 || o.Amount <= 0 {
		return ErrInvalidOrder
	}
	if err := orderbook.ValidateReceivers(o.Receivers); err != nil {
		return err
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = e.clock.Now()
	}

	e.mu.Lock()
	if _, held := e.inFlight[o.Commitment]; held {
		e.mu.Unlock()
		return ErrDuplicateOrder
	}
	if err := e.book.AddOrder(o); err != nil {
		e.mu.Unlock()
		return err
	}

	switch e.status {
	case StatusIdle:
		e.openWindowLocked()
	case StatusAccumulating, StatusResolving:
		// accumulating: window unchanged; resolving: waits for the next window
	}

	trigger := !e.stopped && e.status == StatusAccumulating && e.book.OpenCount() >= e.cfg.MaxOrders
	if trigger {
		e.stopTimerLocked()
		e.beginResolveLocked()
	}
	batchID, ctx := e.batchID, e.ctx
	e.mu.Unlock()

	e.sugar.Debugw("order_added", "batch_id", batchID, "commitment", o.Commitment, "side", o.Side.String())
	if trigger {
		e.sugar.Infow("threshold_reached", "batch_id", batchID, "max_orders", e.cfg.MaxOrders)
		go func() {
			defer e.running.Done()
			e.runResolution(ctx)
		}()
	}
	return nil
}

// CancelOrder removes an open or pending order. A cancel for an order held
// by an in-flight liquidation keeps it from being re-inserted if that
// liquidation fails.
func (e *Engine) CancelOrder(commitment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o := e.book.RemoveOrder(commitment); o != nil {
		o.Status = orderbook.StatusCancelled
		e.sugar.Infow("order_cancelled", "commitment", commitment)
		return true
	}
	if p := e.book.RemovePendingOrder(commitment); p != nil {
		e.sugar.Infow("pending_order_cancelled", "commitment", commitment)
		return true
	}
	if _, held := e.inFlight[commitment]; held {
		e.cancelled[commitment] = struct{}{}
		e.sugar.Infow("order_cancel_deferred", "commitment", commitment)
		return true
	}
	return false
}

// Resolve runs a resolution now. It returns nil without doing anything when
// a resolution is already in flight, when the engine is stopped, or when the
// book was empty.
func (e *Engine) Resolve(ctx context.Context) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.resolving || e.stopped {
		e.mu.Unlock()
		return nil, nil
	}
	e.stopTimerLocked()
	e.beginResolveLocked()
	e.mu.Unlock()
	defer e.running.Done()

	return e.runResolution(context.WithoutCancel(ctx)), nil
}

// AddPendingOrder queues a sealed order that could not be decrypted.
func (e *Engine) AddPendingOrder(p *orderbook.PendingOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inFlight[p.Commitment]; held {
		return ErrDuplicateOrder
	}
	return e.book.AddPendingOrder(p)
}

func (e *Engine) RemovePendingOrder(commitment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.RemovePendingOrder(commitment) != nil
}

// PendingOrders returns copies of the pending entries, oldest first.
func (e *Engine) PendingOrders() []orderbook.PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.book.PendingOrders()
	out := make([]orderbook.PendingOrder, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

// Known reports whether the commitment is open, pending or being settled.
func (e *Engine) Known(commitment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.inFlight[commitment]
	return held || e.book.Contains(commitment) || e.book.IsPending(commitment)
}

// Owner returns the owner of an open, pending or in-flight order.
func (e *Engine) Owner(commitment string) (common.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.inFlight[commitment]; ok {
		return o.Owner, true
	}
	if o, ok := e.book.GetOrder(commitment); ok {
		return o.Owner, true
	}
	for _, p := range e.book.PendingOrders() {
		if p.Commitment == commitment {
			return p.Owner, true
		}
	}
	return common.Address{}, false
}

func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		BatchID:     e.batchID,
		Status:      e.status,
		OrderCount:  e.book.OpenCount(),
		WindowStart: e.windowStart,
	}
	if e.status == StatusAccumulating {
		remaining := e.windowStart.Add(e.cfg.Window).Sub(e.clock.Now())
		if remaining > 0 {
			st.TimeRemainingMs = remaining.Milliseconds()
		}
	}
	if e.lastRes != nil {
		r := *e.lastRes
		st.LastResolution = &r
	}
	return st
}

func (e *Engine) LastResolution() *Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRes == nil {
		return nil
	}
	r := *e.lastRes
	return &r
}

func (e *Engine) RecentMatches(limit int) []matcher.Match {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matcher.RecentMatches(limit)
}

func (e *Engine) OrderCounts() orderbook.Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.GetOrderCount()
}

// ---- window bookkeeping, callers hold e.mu ----

func (e *Engine) openWindowLocked() {
	e.batchID++
	e.status = StatusAccumulating
	e.windowStart = e.clock.Now()
	e.armTimerLocked()
	e.sugar.Infow("window_opened", "batch_id", e.batchID, "window", e.cfg.Window.String())
}

func (e *Engine) armTimerLocked() {
	e.stopTimerLocked()
	if e.stopped {
		return
	}
	gen := e.gen
	e.timer = e.clock.AfterFunc(e.cfg.Window, func() { e.onTimer(gen) })
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

// beginResolveLocked marks a resolution as running. Batch ids are only
// allocated when a window opens; a non-empty book always has one.
func (e *Engine) beginResolveLocked() {
	e.resolving = true
	e.status = StatusResolving
	e.running.Add(1)
}

func (e *Engine) onTimer(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.resolving || e.stopped || e.status != StatusAccumulating {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.gen++
	e.beginResolveLocked()
	ctx, batchID := e.ctx, e.batchID
	e.mu.Unlock()

	defer e.running.Done()

	e.sugar.Infow("window_elapsed", "batch_id", batchID)
	e.runResolution(ctx)
}

// finishLocked returns to idle and opens a new window at once when orders
// remain, so nothing sits in the book without a live window.
func (e *Engine) finishLocked() {
	e.resolving = false
	e.status = StatusIdle
	e.windowStart = time.Time{}
	if e.book.OpenCount() > 0 {
		e.openWindowLocked()
	}
}
