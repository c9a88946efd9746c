package matcher

import (
	"math/big"
	"time"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

// Kind tags how a match was filled.
type Kind int8

const (
	InternalCross       Kind = iota // buy crossed with sell inside the batch
	ExternalLiquidation             // residual sell liquidated at the external venue
)

func (k Kind) String() string {
	switch k {
	case InternalCross:
		return "internal"
	case ExternalLiquidation:
		return "external"
	default:
		return "unknown"
	}
}

// Match is a fill. Buy is nil for ExternalLiquidation.
type Match struct {
	Kind            Kind
	Buy             *orderbook.Order
	Sell            *orderbook.Order
	ExecutionPrice  int64
	ExecutionAmount int64
	CreatedAt       time.Time

	digest string
}

// Digest is the settlement digest, empty until settled.
func (m *Match) Digest() string { return m.digest }

func (m *Match) Settled() bool { return m.digest != "" }

// SetDigest records the settlement digest. The first non-empty digest wins;
// later calls return false and change nothing.
func (m *Match) SetDigest(d string) bool {
	if m.digest != "" || d == "" {
		return false
	}
	m.digest = d
	return true
}

// BuyCommitment returns the buyer's commitment, or "" for liquidations.
func (m *Match) BuyCommitment() string {
	if m.Buy == nil {
		return ""
	}
	return m.Buy.Commitment
}

func (m *Match) SellCommitment() string {
	if m.Sell == nil {
		return ""
	}
	return m.Sell.Commitment
}

// Volume is the quote notional of the fill, price times amount.
func (m *Match) Volume() *big.Int {
	return new(big.Int).Mul(big.NewInt(m.ExecutionPrice), big.NewInt(m.ExecutionAmount))
}
