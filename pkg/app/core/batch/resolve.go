package batch

import (
	"context"
	"fmt"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
)

// runResolution executes phases A, B and C. The caller has already set the
// resolving flag. Orders that arrive while it runs carry a Seq above the
// cut-off taken at the start and wait for the next window.
func (e *Engine) runResolution(ctx context.Context) *Resolution {
	start := e.clock.Now()

	e.mu.Lock()
	if e.book.OpenCount() == 0 {
		e.finishLocked()
		e.mu.Unlock()
		e.sugar.Debugw("resolve_empty_book")
		return nil
	}
	e.mu.Unlock()

	var refPrice string
	if px := e.matcher.RefreshReferencePrice(ctx); px != nil {
		refPrice = px.String()
	}

	e.mu.Lock()
	batchID := e.batchID
	cutoff := e.book.LastSeq()
	total := e.book.OpenCount()
	if total == 0 {
		e.finishLocked()
		e.mu.Unlock()
		return nil
	}
	matches := e.matcher.Cross()
	crossed := make([]matcher.Match, len(matches))
	for i, m := range matches {
		crossed[i] = *m
	}
	e.mu.Unlock()

	e.sugar.Infow("resolve_start",
		"batch_id", batchID,
		"open_orders", total,
		"internal_matches", len(matches),
		"reference_price", refPrice,
	)

	e.phaseA(ctx, batchID, crossed)
	settled, failed := e.phaseB(ctx, batchID, cutoff)

	// Phase C: open buys from this batch carry over; counted only.
	e.mu.Lock()
	carried := 0
	for _, o := range e.book.GetBids() {
		if o.Seq <= cutoff {
			o.Status = orderbook.StatusCarriedOver
			carried++
		}
	}
	now := e.clock.Now()
	res := &Resolution{
		BatchID:           batchID,
		InternalMatches:   len(matches),
		ExternallySettled: settled,
		FailedResiduals:   failed,
		CarriedOver:       carried,
		TotalOrders:       total,
		ReferencePrice:    refPrice,
		Timestamp:         now,
		Duration:          now.Sub(start),
	}
	e.lastRes = res
	e.finishLocked()
	nextID, nextStatus := e.batchID, e.status
	e.mu.Unlock()

	e.sugar.Infow("batch_resolved",
		"batch_id", res.BatchID,
		"internal_matches", res.InternalMatches,
		"externally_settled", res.ExternallySettled,
		"failed_residuals", res.FailedResiduals,
		"carried_over", res.CarriedOver,
		"total_orders", res.TotalOrders,
	)
	if nextStatus == StatusAccumulating {
		e.sugar.Infow("window_auto_continued", "batch_id", nextID)
	}

	if e.Store != nil {
		if err := e.Store.SaveResolution(res); err != nil {
			e.sugar.Errorw("save_resolution_failed", "batch_id", batchID, "err", err)
		}
	}
	if e.WAL != nil {
		e.WAL.Append(fmt.Sprintf("resolved batch=%d matches=%d settled=%d failed=%d carried=%d total=%d",
			res.BatchID, res.InternalMatches, res.ExternallySettled, res.FailedResiduals, res.CarriedOver, res.TotalOrders))
	}
	out := *res
	for _, n := range e.Notifiers {
		n.BatchResolved(out)
	}
	return &out
}

// phaseA requests direct settlement for each internal match. A failure is
// logged and leaves that match undigested; siblings still settle.
func (e *Engine) phaseA(ctx context.Context, batchID uint64, matches []matcher.Match) {
	for _, m := range matches {
		for _, n := range e.Notifiers {
			n.MatchFound(m)
		}
	}
	if e.settler == nil {
		if len(matches) > 0 {
			e.sugar.Warnw("direct_settlement_skipped", "batch_id", batchID, "matches", len(matches), "reason", ErrConfigurationMissing)
		}
		e.saveMatches(batchID, matches)
		return
	}

	for _, m := range matches {
		req := settlement.NewDirectSettlement(batchID, m.Buy, m.Sell, m.ExecutionPrice, m.ExecutionAmount)
		digest, err := e.settler.SettleMatch(ctx, req)
		if err == nil && digest == "" {
			err = fmt.Errorf("ledger returned no digest")
		}
		if err != nil {
			e.sugar.Warnw("match_settlement_failed",
				"batch_id", batchID,
				"buyer", m.BuyCommitment(),
				"seller", m.SellCommitment(),
				"err", fmt.Errorf("%w: %w", ErrSettlementPerMatch, err),
			)
			e.saveMatches(batchID, []matcher.Match{m})
			continue
		}

		e.mu.Lock()
		ok := e.matcher.SetSettlementDigestForMatch(m.BuyCommitment(), m.SellCommitment(), digest)
		e.mu.Unlock()
		if !ok {
			e.sugar.Warnw("settlement_digest_ignored", "batch_id", batchID, "buyer", m.BuyCommitment(), "seller", m.SellCommitment())
			continue
		}

		m.SetDigest(digest)
		e.sugar.Infow("match_settled", "batch_id", batchID, "buyer", m.BuyCommitment(), "seller", m.SellCommitment(), "digest", digest)
		e.saveMatches(batchID, []matcher.Match{m})
		for _, n := range e.Notifiers {
			n.SettlementRecorded(m, digest, m.Volume())
		}
	}
}

// phaseB hands every residual sell from this batch to the liquidator as one
// cohort. The sells leave the book while the request is in flight; failed
// ones go back unchanged unless they were cancelled meanwhile.
func (e *Engine) phaseB(ctx context.Context, batchID uint64, cutoff uint64) (settled, failed int) {
	if e.liquidator == nil {
		e.sugar.Debugw("residual_liquidation_skipped", "batch_id", batchID, "reason", ErrConfigurationMissing)
		return 0, 0
	}

	e.mu.Lock()
	var cohort []*orderbook.Order
	for _, o := range e.book.GetAsks() {
		if o.Seq > cutoff {
			continue
		}
		e.book.RemoveOrder(o.Commitment)
		o.Status = orderbook.StatusSettling
		e.inFlight[o.Commitment] = o
		cohort = append(cohort, o)
	}
	e.mu.Unlock()

	if len(cohort) == 0 {
		return 0, 0
	}
	e.sugar.Infow("residual_cohort", "batch_id", batchID, "size", len(cohort))

	results := e.liquidator.Liquidate(ctx, batchID, cohort)

	var liquidated []matcher.Match
	e.mu.Lock()
	for i, o := range cohort {
		var r settlement.Result
		if i < len(results) {
			r = results[i]
		} else {
			r.Err = fmt.Errorf("%w: no result returned", settlement.ErrSettlementPerResidual)
		}

		delete(e.inFlight, o.Commitment)
		_, wasCancelled := e.cancelled[o.Commitment]
		delete(e.cancelled, o.Commitment)

		if r.OK() {
			o.Status = orderbook.StatusSettled
			liquidated = append(liquidated, *e.matcher.RecordExternalLiquidation(o, r.Digest))
			settled++
			continue
		}

		failed++
		if wasCancelled {
			o.Status = orderbook.StatusCancelled
			continue
		}
		o.Status = orderbook.StatusOpen
		if err := e.book.AddOrder(o); err != nil {
			e.sugar.Errorw("residual_reinsert_failed", "batch_id", batchID, "commitment", o.Commitment, "err", err)
		}
		e.sugar.Infow("residual_survives", "batch_id", batchID, "commitment", o.Commitment, "permanent", r.Permanent, "reason", r.Err)
	}
	e.mu.Unlock()

	e.saveMatches(batchID, liquidated)
	for _, m := range liquidated {
		for _, n := range e.Notifiers {
			n.LiquidationExecuted(m, m.Digest())
		}
	}
	return settled, failed
}

func (e *Engine) saveMatches(batchID uint64, ms []matcher.Match) {
	if e.Store == nil {
		return
	}
	for _, m := range ms {
		if err := e.Store.SaveMatch(batchID, m); err != nil {
			e.sugar.Errorw("save_match_failed", "batch_id", batchID, "err", err)
		}
	}
}
