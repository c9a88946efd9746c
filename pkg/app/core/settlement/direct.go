package settlement

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

// ErrSettlementPerMatch marks a failed direct settlement of one internal match.
var ErrSettlementPerMatch = errors.New("match settlement failed")

// DirectSettler settles an internal cross on the escrow ledger. Idempotency
// is the caller's concern.
type DirectSettler interface {
	SettleMatch(ctx context.Context, req *DirectSettlement) (string, error)
}

// DirectSettlement pays the buyer the base amount and the seller the quote
// notional, each split across their receivers.
type DirectSettlement struct {
	BatchID         uint64       `json:"batchId"`
	BuyerID         string       `json:"buyerId"`
	SellerID        string       `json:"sellerId"`
	BuyerPayout     *hexutil.Big `json:"buyerPayout"`
	SellerPayout    *hexutil.Big `json:"sellerPayout"`
	BuyerReceivers  []Payout     `json:"buyerReceivers"`
	SellerReceivers []Payout     `json:"sellerReceivers"`
	ExecutionPrice  int64        `json:"executionPrice"`
	ExecutionAmount int64        `json:"executionAmount"`
}

// NewDirectSettlement builds the ledger request for a crossed pair.
func NewDirectSettlement(batchID uint64, buy, sell *orderbook.Order, price, amount int64) *DirectSettlement {
	base := big.NewInt(amount)
	quote := new(big.Int).Mul(big.NewInt(amount), big.NewInt(price))
	return &DirectSettlement{
		BatchID:         batchID,
		BuyerID:         buy.Commitment,
		SellerID:        sell.Commitment,
		BuyerPayout:     (*hexutil.Big)(base),
		SellerPayout:    (*hexutil.Big)(quote),
		BuyerReceivers:  payouts(base, buy.ResolvedReceivers()),
		SellerReceivers: payouts(quote, sell.ResolvedReceivers()),
		ExecutionPrice:  price,
		ExecutionAmount: amount,
	}
}

func payouts(total *big.Int, rs []orderbook.Receiver) []Payout {
	allocs := orderbook.SplitPayout(total, rs)
	out := make([]Payout, len(rs))
	for i, r := range rs {
		out[i] = Payout{Address: r.Address, Percentage: r.Percentage, MinAmount: (*hexutil.Big)(allocs[i].Amount)}
	}
	return out
}
