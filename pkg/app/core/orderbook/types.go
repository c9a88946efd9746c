package orderbook

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY", "Buy":
		return Buy, true
	case "sell", "SELL", "Sell":
		return Sell, true
	default:
		return 0, false
	}
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	StatusPendingDecryption OrderStatus = iota
	StatusOpen
	StatusMatched
	StatusSettling
	StatusSettled
	StatusCarriedOver
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPendingDecryption:
		return "pending_decryption"
	case StatusOpen:
		return "open"
	case StatusMatched:
		return "matched"
	case StatusSettling:
		return "settling"
	case StatusSettled:
		return "settled"
	case StatusCarriedOver:
		return "carried_over"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Receiver is one destination of a settlement payout.
type Receiver struct {
	Address    common.Address `json:"address"`
	Percentage uint8          `json:"percentage"`
}

// Order is a decrypted order. Price, Amount and LockedAmount never leave
// the engine through the read API.
type Order struct {
	Commitment   string         // 0x-prefixed 32-byte commitment published on the ledger
	Side         Side           // Buy or Sell
	Price        int64          // limit price, quote minor units per base unit
	Amount       int64          // base units
	LockedAmount int64          // collateral escrowed on the ledger
	Owner        common.Address // order owner, default receiver
	Receivers    []Receiver     // optional payout split, sums to 100 when set
	Timestamp    time.Time      // arrival time
	Seq          uint64         // arrival sequence assigned by the book
	Status       OrderStatus
}

// ResolvedReceivers returns the payout split, defaulting to the owner.
func (o *Order) ResolvedReceivers() []Receiver {
	if len(o.Receivers) > 0 {
		return o.Receivers
	}
	return []Receiver{{Address: o.Owner, Percentage: 100}}
}

// DecryptedOrder is what the decryption service returns for a sealed payload.
type DecryptedOrder struct {
	Side         Side       `json:"side"`
	Price        int64      `json:"price"`
	Amount       int64      `json:"amount"`
	LockedAmount int64      `json:"lockedAmount"`
	Receivers    []Receiver `json:"receivers,omitempty"`
	Salt         string     `json:"salt"` // hex, binds the payload to its commitment
}

// PendingOrder is a sealed order whose payload could not be decrypted yet.
type PendingOrder struct {
	Commitment string
	Owner      common.Address
	Ciphertext []byte
	VenueID    string
	FirstSeen  time.Time
	Attempts   int
}

// Counts reports book sizes.
type Counts struct {
	Bids    int `json:"bids"`
	Asks    int `json:"asks"`
	Pending int `json:"pending"`
}
