package orderbook

import (
	"errors"
	"sort"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
)

var (
	ErrDuplicateOrder = errors.New("duplicate order commitment")
	ErrInvalidOrder   = errors.New("invalid order")
)

// OrderBook holds decrypted open orders keyed by commitment plus a queue of
// sealed orders still waiting for decryption. It does no locking of its own;
// callers serialize access.
type OrderBook struct {
	bids map[string]*Order
	asks map[string]*Order

	// decrypt-retry queue, insertion ordered
	pending *linkedhashmap.Map[string, *PendingOrder]

	seq uint64
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:    make(map[string]*Order),
		asks:    make(map[string]*Order),
		pending: linkedhashmap.New[string, *PendingOrder](),
	}
}

// AddOrder inserts an open order. A zero Seq is replaced with the next
// arrival sequence; a non-zero Seq is kept so re-inserted orders keep
// their place in time priority.
func (ob *OrderBook) AddOrder(o *Order) error {
	if o == nil || o.Commitment == "" {
		return ErrInvalidOrder
	}
	if o.Side != Buy && o.Side != Sell {
		return ErrInvalidOrder
	}
	if ob.Contains(o.Commitment) {
		return ErrDuplicateOrder
	}

	if o.Seq == 0 {
		ob.seq++
		o.Seq = ob.seq
	} else if o.Seq > ob.seq {
		ob.seq = o.Seq
	}
	if o.Status != StatusCarriedOver {
		o.Status = StatusOpen
	}

	// a decrypted order supersedes its pending entry
	ob.pending.Remove(o.Commitment)

	if o.Side == Buy {
		ob.bids[o.Commitment] = o
	} else {
		ob.asks[o.Commitment] = o
	}
	return nil
}

// RemoveOrder removes an open order and returns it, or nil if absent.
func (ob *OrderBook) RemoveOrder(commitment string) *Order {
	if o, ok := ob.bids[commitment]; ok {
		delete(ob.bids, commitment)
		return o
	}
	if o, ok := ob.asks[commitment]; ok {
		delete(ob.asks, commitment)
		return o
	}
	return nil
}

func (ob *OrderBook) GetOrder(commitment string) (*Order, bool) {
	if o, ok := ob.bids[commitment]; ok {
		return o, true
	}
	o, ok := ob.asks[commitment]
	return o, ok
}

// Contains reports whether the commitment is open on either side.
func (ob *OrderBook) Contains(commitment string) bool {
	_, ok := ob.GetOrder(commitment)
	return ok
}

// AddPendingOrder queues a sealed order for another decrypt attempt.
// Re-adding an existing pending entry replaces it in place.
func (ob *OrderBook) AddPendingOrder(p *PendingOrder) error {
	if p == nil || p.Commitment == "" {
		return ErrInvalidOrder
	}
	if ob.Contains(p.Commitment) {
		return ErrDuplicateOrder
	}
	ob.pending.Put(p.Commitment, p)
	return nil
}

// RemovePendingOrder is idempotent.
func (ob *OrderBook) RemovePendingOrder(commitment string) *PendingOrder {
	p, ok := ob.pending.Get(commitment)
	if !ok {
		return nil
	}
	ob.pending.Remove(commitment)
	return p
}

func (ob *OrderBook) IsPending(commitment string) bool {
	_, ok := ob.pending.Get(commitment)
	return ok
}

// PendingOrders returns pending entries oldest first.
func (ob *OrderBook) PendingOrders() []*PendingOrder {
	return ob.pending.Values()
}

// GetBids returns bids best first: price descending, then earlier arrival.
func (ob *OrderBook) GetBids() []*Order {
	out := collect(ob.bids)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price > out[j].Price
		}
		return earlier(out[i], out[j])
	})
	return out
}

// GetAsks returns asks best first: price ascending, then earlier arrival.
func (ob *OrderBook) GetAsks() []*Order {
	out := collect(ob.asks)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return earlier(out[i], out[j])
	})
	return out
}

func (ob *OrderBook) GetOrderCount() Counts {
	return Counts{Bids: len(ob.bids), Asks: len(ob.asks), Pending: ob.pending.Size()}
}

// OpenCount is the number of matchable orders on both sides.
func (ob *OrderBook) OpenCount() int {
	return len(ob.bids) + len(ob.asks)
}

// LastSeq is the most recently assigned arrival sequence.
func (ob *OrderBook) LastSeq() uint64 {
	return ob.seq
}

func collect(m map[string]*Order) []*Order {
	out := make([]*Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out
}

func earlier(a, b *Order) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}
