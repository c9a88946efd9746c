package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

var (
	// ErrSettlementPerResidual marks a failure scoped to one residual order.
	ErrSettlementPerResidual = errors.New("residual settlement failed")
	// ErrSettlementCohort marks a failure shared by the whole residual cohort.
	ErrSettlementCohort = errors.New("cohort settlement failed")

	ErrBelowMinTradeSize      = errors.New("below venue minimum trade size")
	ErrInsufficientCollateral = errors.New("locked collateral cannot repay loan")
	ErrNoReferencePrice       = errors.New("reference price unavailable")
	ErrInsufficientDepth      = errors.New("cohort exceeds venue depth")
)

// Venue is the external liquidity venue.
type Venue interface {
	ReferencePrice(ctx context.Context) (*decimal.Decimal, error)
	Depth(ctx context.Context) (*Depth, error)
	SubmitAtomic(ctx context.Context, tx *AtomicTransaction) (string, error)
}

// Level is one rung of a venue ladder.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Depth struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BidSizeAtOrAbove sums bid size priced at or above floor.
func (d *Depth) BidSizeAtOrAbove(floor decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range d.Bids {
		if l.Price.GreaterThanOrEqual(floor) {
			total = total.Add(l.Size)
		}
	}
	return total
}

type LegKind string

const (
	LegBorrow LegKind = "borrow"
	LegSwap   LegKind = "swap"
	LegRepay  LegKind = "repay"
	LegPayout LegKind = "payout"
)

// Payout pays part of a swap's output to one receiver. MinAmount is the
// receiver's share of the guaranteed minimum output.
type Payout struct {
	Address    common.Address `json:"address"`
	Percentage uint8          `json:"percentage"`
	MinAmount  *hexutil.Big   `json:"minAmount"`
}

// Leg is one step of an atomic transaction. Fields unused by a leg kind
// are omitted on the wire.
type Leg struct {
	Kind       LegKind      `json:"kind"`
	Commitment string       `json:"commitment"`
	Asset      string       `json:"asset,omitempty"`
	AssetOut   string       `json:"assetOut,omitempty"`
	PoolID     string       `json:"poolId,omitempty"`
	Amount     *hexutil.Big `json:"amount,omitempty"`
	MinOut     *hexutil.Big `json:"minOut,omitempty"`
	Payouts    []Payout     `json:"payouts,omitempty"`
}

// AtomicTransaction is the all-or-nothing cohort liquidation request.
type AtomicTransaction struct {
	ID        string    `json:"id"`
	BatchID   uint64    `json:"batchId"`
	Legs      []Leg     `json:"legs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result is the outcome for one residual order.
type Result struct {
	Order     *orderbook.Order
	Digest    string
	Err       error
	Permanent bool // retrying the same order unchanged will fail again
}

func (r Result) OK() bool { return r.Err == nil && r.Digest != "" }
