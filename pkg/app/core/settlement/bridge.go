package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

type Config struct {
	MinTradeSize   int64 // base units
	MaxSlippageBps int64 // 1000 = 10%
	DepthMarginBps int64 // share of in-band bid depth the cohort may consume
	CheckDepth     bool
	BaseAsset      string
	QuoteAsset     string
	PoolID         string
	QuoteTimeout   time.Duration
	SubmitTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinTradeSize:   1,
		MaxSlippageBps: 1000,
		DepthMarginBps: 8000,
		CheckDepth:     true,
		BaseAsset:      "BASE",
		QuoteAsset:     "QUOTE",
		QuoteTimeout:   3 * time.Second,
		SubmitTimeout:  30 * time.Second,
	}
}

// Bridge liquidates residual sells at the venue in a single atomic
// borrow/swap/repay/payout transaction per cohort.
type Bridge struct {
	cfg   Config
	venue Venue
	clock util.Clock
	sugar *zap.SugaredLogger
	newID func() string
}

func NewBridge(cfg Config, venue Venue, clock util.Clock, sugar *zap.SugaredLogger) *Bridge {
	if clock == nil {
		clock = util.RealClock{}
	}
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &Bridge{cfg: cfg, venue: venue, clock: clock, sugar: sugar, newID: uuid.NewString}
}

// Liquidate returns one Result per input order, in input order. Orders that
// fail the size or collateral filter fail alone; every later failure fails
// the whole surviving cohort. There is no per-order fallback after a failed
// submission since the resources it referenced are stale.
func (b *Bridge) Liquidate(ctx context.Context, batchID uint64, orders []*orderbook.Order) []Result {
	results := make([]Result, len(orders))
	var idx []int
	for i, o := range orders {
		results[i].Order = o
		switch {
		case o.Amount < b.cfg.MinTradeSize:
			results[i].Err = fmt.Errorf("%w: %w", ErrSettlementPerResidual, ErrBelowMinTradeSize)
			results[i].Permanent = true
		case o.LockedAmount < o.Amount:
			results[i].Err = fmt.Errorf("%w: %w", ErrSettlementPerResidual, ErrInsufficientCollateral)
			results[i].Permanent = true
		default:
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return results
	}

	failAll := func(cause error) []Result {
		err := fmt.Errorf("%w: %w, retry next batch", ErrSettlementCohort, cause)
		for _, i := range idx {
			results[i].Err = err
		}
		b.sugar.Warnw("cohort_failed", "batch_id", batchID, "size", len(idx), "err", cause)
		return results
	}

	qctx, cancel := context.WithTimeout(ctx, b.cfg.QuoteTimeout)
	ref, err := b.venue.ReferencePrice(qctx)
	cancel()
	if err != nil {
		return failAll(fmt.Errorf("%w: %v", ErrNoReferencePrice, err))
	}
	if ref == nil || !ref.IsPositive() {
		return failAll(ErrNoReferencePrice)
	}

	volume := decimal.Zero
	for _, i := range idx {
		volume = volume.Add(decimal.NewFromInt(orders[i].Amount))
	}

	if b.cfg.CheckDepth {
		if err := b.checkDepth(ctx, *ref, volume); err != nil {
			return failAll(err)
		}
	}

	tx := &AtomicTransaction{ID: b.newID(), BatchID: batchID, CreatedAt: b.clock.Now()}
	for _, i := range idx {
		o := orders[i]
		tx.Legs = b.orderLegs(tx.Legs, o, MinOut(o.Amount, *ref, b.cfg.MaxSlippageBps))
	}

	b.sugar.Infow("cohort_submitting",
		"batch_id", batchID,
		"request_id", tx.ID,
		"request_hash", tx.Hash().Hex(),
		"size", len(idx),
		"legs", len(tx.Legs),
	)

	sctx, cancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	digest, err := b.venue.SubmitAtomic(sctx, tx)
	cancel()
	if err != nil {
		return failAll(err)
	}
	if digest == "" {
		return failAll(fmt.Errorf("venue returned no digest"))
	}

	for _, i := range idx {
		results[i].Digest = digest
	}
	b.sugar.Infow("cohort_settled", "batch_id", batchID, "request_id", tx.ID, "digest", digest, "size", len(idx))
	return results
}

// checkDepth fails when the cohort would consume more than DepthMarginBps of
// the bid depth priced within the slippage band. Missing depth data skips
// the check.
func (b *Bridge) checkDepth(ctx context.Context, ref, volume decimal.Decimal) error {
	qctx, cancel := context.WithTimeout(ctx, b.cfg.QuoteTimeout)
	depth, err := b.venue.Depth(qctx)
	cancel()
	if err != nil || depth == nil {
		b.sugar.Debugw("depth_unavailable", "err", err)
		return nil
	}

	floor := ref.Mul(SlippageFactor(b.cfg.MaxSlippageBps))
	available := depth.BidSizeAtOrAbove(floor)
	allowed := available.Mul(decimal.NewFromInt(b.cfg.DepthMarginBps)).Div(tenThousand)
	if volume.GreaterThan(allowed) {
		return fmt.Errorf("%w: volume %s, allowed %s", ErrInsufficientDepth, volume, allowed)
	}
	return nil
}
