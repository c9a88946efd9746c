package orderbook

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidReceivers = errors.New("invalid receivers")

// ValidateReceivers checks a receiver list. An empty list is valid and means
// the owner receives everything.
func ValidateReceivers(rs []Receiver) error {
	if len(rs) == 0 {
		return nil
	}
	total := 0
	for i, r := range rs {
		if r.Address == (common.Address{}) {
			return fmt.Errorf("%w: receiver %d has zero address", ErrInvalidReceivers, i)
		}
		if r.Percentage == 0 {
			return fmt.Errorf("%w: receiver %d has zero percentage", ErrInvalidReceivers, i)
		}
		total += int(r.Percentage)
	}
	if total != 100 {
		return fmt.Errorf("%w: percentages sum to %d", ErrInvalidReceivers, total)
	}
	return nil
}

// Allocation is a concrete share of a payout.
type Allocation struct {
	Address common.Address
	Amount  *big.Int
}

// SplitPayout divides total across receivers by percentage. Every receiver
// but the last gets floor(total*pct/100); the last takes the remainder so
// the allocations always sum to total.
func SplitPayout(total *big.Int, rs []Receiver) []Allocation {
	if len(rs) == 0 {
		return nil
	}
	out := make([]Allocation, len(rs))
	assigned := new(big.Int)
	hundred := big.NewInt(100)
	for i, r := range rs {
		if i == len(rs)-1 {
			out[i] = Allocation{Address: r.Address, Amount: new(big.Int).Sub(total, assigned)}
			break
		}
		share := new(big.Int).Mul(total, big.NewInt(int64(r.Percentage)))
		share.Quo(share, hundred)
		assigned.Add(assigned, share)
		out[i] = Allocation{Address: r.Address, Amount: share}
	}
	return out
}
