package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

type fakeVenue struct {
	ref       *decimal.Decimal
	refErr    error
	depth     *Depth
	depthErr  error
	digest    string
	submitErr error

	submitted []*AtomicTransaction
}

func (f *fakeVenue) ReferencePrice(context.Context) (*decimal.Decimal, error) { return f.ref, f.refErr }
func (f *fakeVenue) Depth(context.Context) (*Depth, error)                     { return f.depth, f.depthErr }
func (f *fakeVenue) SubmitAtomic(_ context.Context, tx *AtomicTransaction) (string, error) {
	f.submitted = append(f.submitted, tx)
	return f.digest, f.submitErr
}

func price(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func sell(id string, amount int64) *orderbook.Order {
	return &orderbook.Order{
		Commitment:   id,
		Side:         orderbook.Sell,
		Price:        100,
		Amount:       amount,
		LockedAmount: amount,
		Owner:        common.HexToAddress("0x0a"),
	}
}

func newBridge(v *fakeVenue, mutate func(*Config)) *Bridge {
	cfg := DefaultConfig()
	cfg.MinTradeSize = 10
	if mutate != nil {
		mutate(&cfg)
	}
	b := NewBridge(cfg, v, util.NewManualClock(time.Unix(0, 0)), nil)
	b.newID = func() string { return "req-1" }
	return b
}

func TestLiquidate_Success(t *testing.T) {
	v := &fakeVenue{ref: price(100), digest: "0xabc"}
	b := newBridge(v, nil)

	res := b.Liquidate(context.Background(), 7, []*orderbook.Order{sell("s1", 10), sell("s2", 20)})
	require.Len(t, res, 2)
	for _, r := range res {
		assert.True(t, r.OK())
		assert.Equal(t, "0xabc", r.Digest)
	}

	require.Len(t, v.submitted, 1, "one combined submission")
	tx := v.submitted[0]
	assert.Equal(t, "req-1", tx.ID)
	assert.Equal(t, uint64(7), tx.BatchID)
	require.Len(t, tx.Legs, 8)

	kinds := []LegKind{LegBorrow, LegSwap, LegRepay, LegPayout}
	for i, leg := range tx.Legs {
		assert.Equal(t, kinds[i%4], leg.Kind)
	}
	// 10 * 100 * 0.9
	assert.Equal(t, big.NewInt(900), tx.Legs[1].MinOut.ToInt())
	assert.Equal(t, big.NewInt(1800), tx.Legs[5].MinOut.ToInt())
	assert.Equal(t, "s2", tx.Legs[5].Commitment)
}

func TestLiquidate_BelowMinimumFailsAlone(t *testing.T) {
	v := &fakeVenue{ref: price(100), digest: "0xabc"}
	b := newBridge(v, nil)

	res := b.Liquidate(context.Background(), 1, []*orderbook.Order{sell("tiny", 9), sell("ok", 10)})
	assert.ErrorIs(t, res[0].Err, ErrBelowMinTradeSize)
	assert.ErrorIs(t, res[0].Err, ErrSettlementPerResidual)
	assert.True(t, res[0].Permanent)
	assert.True(t, res[1].OK())

	require.Len(t, v.submitted, 1)
	assert.Len(t, v.submitted[0].Legs, 4, "only the surviving order is submitted")
}

func TestLiquidate_InsufficientCollateral(t *testing.T) {
	v := &fakeVenue{ref: price(100), digest: "0xabc"}
	o := sell("s", 10)
	o.LockedAmount = 9

	res := newBridge(v, nil).Liquidate(context.Background(), 1, []*orderbook.Order{o})
	assert.ErrorIs(t, res[0].Err, ErrInsufficientCollateral)
	assert.Empty(t, v.submitted)
}

func TestLiquidate_CohortFailures(t *testing.T) {
	tests := []struct {
		name   string
		venue  *fakeVenue
		cause  error
		submit bool
	}{
		{name: "price error", venue: &fakeVenue{refErr: errors.New("down")}, cause: ErrNoReferencePrice},
		{name: "price missing", venue: &fakeVenue{}, cause: ErrNoReferencePrice},
		{
			name: "not enough depth",
			venue: &fakeVenue{ref: price(100), depth: &Depth{Bids: []Level{
				{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(30)},
				{Price: decimal.NewFromInt(50), Size: decimal.NewFromInt(1000)}, // outside band
			}}},
			cause: ErrInsufficientDepth,
		},
		{name: "submit error", venue: &fakeVenue{ref: price(100), submitErr: errors.New("revert")}, submit: true},
		{name: "empty digest", venue: &fakeVenue{ref: price(100)}, submit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newBridge(tt.venue, nil).Liquidate(context.Background(), 1, []*orderbook.Order{sell("a", 10), sell("b", 20)})
			for _, r := range res {
				assert.ErrorIs(t, r.Err, ErrSettlementCohort)
				if tt.cause != nil {
					assert.ErrorIs(t, r.Err, tt.cause)
				}
				assert.Contains(t, r.Err.Error(), "retry next batch")
				assert.False(t, r.Permanent)
			}
			if tt.submit {
				assert.Len(t, tt.venue.submitted, 1, "no per-order fallback")
			} else {
				assert.Empty(t, tt.venue.submitted)
			}
		})
	}
}

func TestLiquidate_DepthWithinMarginAndUnavailable(t *testing.T) {
	// 30 in band, 80% margin allows 24; cohort is 20
	v := &fakeVenue{ref: price(100), digest: "0x1", depth: &Depth{Bids: []Level{
		{Price: decimal.NewFromInt(95), Size: decimal.NewFromInt(30)},
	}}}
	res := newBridge(v, nil).Liquidate(context.Background(), 1, []*orderbook.Order{sell("a", 20)})
	assert.True(t, res[0].OK())

	v2 := &fakeVenue{ref: price(100), digest: "0x2", depthErr: errors.New("no book")}
	res = newBridge(v2, nil).Liquidate(context.Background(), 1, []*orderbook.Order{sell("a", 20)})
	assert.True(t, res[0].OK(), "depth check is skipped when depth is unavailable")
}

func TestLiquidate_PayoutSplitsMinOut(t *testing.T) {
	v := &fakeVenue{ref: price(1), digest: "0x1"}
	o := sell("s", 101)
	a, c := common.HexToAddress("0xa1"), common.HexToAddress("0xb2")
	o.Receivers = []orderbook.Receiver{{Address: a, Percentage: 60}, {Address: c, Percentage: 40}}

	res := newBridge(v, func(cfg *Config) { cfg.MaxSlippageBps = 0 }).
		Liquidate(context.Background(), 1, []*orderbook.Order{o})
	require.True(t, res[0].OK())

	payout := v.submitted[0].Legs[3]
	require.Equal(t, LegPayout, payout.Kind)
	require.Len(t, payout.Payouts, 2)
	assert.Equal(t, int64(60), payout.Payouts[0].MinAmount.ToInt().Int64())
	assert.Equal(t, int64(41), payout.Payouts[1].MinAmount.ToInt().Int64())
}

func TestMinOut(t *testing.T) {
	ref, _ := decimal.NewFromString("1.2345")
	// 7 * 1.2345 * 0.9 = 7.77735
	assert.Equal(t, int64(7), MinOut(7, ref, 1000).Int64())
	assert.Equal(t, int64(8), MinOut(7, ref, 0).Int64())
	assert.Equal(t, int64(0), MinOut(7, ref, 10_000).Int64())
}

func TestAtomicTransactionHashIsStable(t *testing.T) {
	tx := &AtomicTransaction{ID: "x", BatchID: 1, CreatedAt: time.Unix(0, 0).UTC()}
	assert.Equal(t, tx.Hash(), tx.Hash())
	other := *tx
	other.ID = "y"
	assert.NotEqual(t, tx.Hash(), other.Hash())
}
