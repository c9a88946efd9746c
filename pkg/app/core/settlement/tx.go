package settlement

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

var tenThousand = decimal.NewFromInt(10_000)

// SlippageFactor returns 1 - bps/10000.
func SlippageFactor(bps int64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromInt(bps).Div(tenThousand))
}

// MinOut is floor(amount * ref * (1 - slippage)) in quote units.
func MinOut(amount int64, ref decimal.Decimal, slippageBps int64) *big.Int {
	out := decimal.NewFromInt(amount).Mul(ref).Mul(SlippageFactor(slippageBps)).Floor()
	if out.IsNegative() {
		return new(big.Int)
	}
	return out.BigInt()
}

// orderLegs appends the borrow, swap, repay and payout legs for one order.
func (b *Bridge) orderLegs(legs []Leg, o *orderbook.Order, minOut *big.Int) []Leg {
	amount := (*hexutil.Big)(big.NewInt(o.Amount))
	legs = append(legs,
		Leg{Kind: LegBorrow, Commitment: o.Commitment, Asset: b.cfg.BaseAsset, Amount: amount},
		Leg{
			Kind:       LegSwap,
			Commitment: o.Commitment,
			Asset:      b.cfg.BaseAsset,
			AssetOut:   b.cfg.QuoteAsset,
			PoolID:     b.cfg.PoolID,
			Amount:     amount,
			MinOut:     (*hexutil.Big)(minOut),
		},
		Leg{Kind: LegRepay, Commitment: o.Commitment, Asset: b.cfg.BaseAsset, Amount: amount},
	)

	return append(legs, Leg{
		Kind:       LegPayout,
		Commitment: o.Commitment,
		Asset:      b.cfg.QuoteAsset,
		Payouts:    payouts(minOut, o.ResolvedReceivers()),
	})
}

// Hash is keccak256 over the JSON encoding, used to correlate log lines
// with what the venue received.
func (tx *AtomicTransaction) Hash() common.Hash {
	raw, err := json.Marshal(tx)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(raw)
}
