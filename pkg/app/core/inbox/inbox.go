package inbox

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrFull = errors.New("inbox full")

// Kind classifies raw submissions into drain buckets.
type Kind int

const (
	KindCancel Kind = iota
	KindOrder
)

// ClassifyRaw peeks at the envelope type. Anything that is not a cancel is
// treated as an order and rejected later by the parser if malformed.
func ClassifyRaw(b []byte) Kind {
	if len(b) == 0 || b[0] != '{' {
		return KindOrder
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return KindOrder
	}
	if env.Type == "cancel" {
		return KindCancel
	}
	return KindOrder
}

// Inbox buffers raw envelopes between the API and the intake loop. Cancels
// drain before orders so a cancel submitted with its order in the same
// drain never loses the race; FIFO within each bucket.
type Inbox struct {
	mu     sync.Mutex
	cancel [][]byte
	orders [][]byte
	max    int
	notify chan struct{}
}

// New returns an inbox holding at most max envelopes; max <= 0 is unbounded.
func New(max int) *Inbox {
	return &Inbox{max: max, notify: make(chan struct{}, 1)}
}

// PushRaw classifies and enqueues a copy of b.
func (in *Inbox) PushRaw(b []byte) error {
	cp := append([]byte(nil), b...)
	in.mu.Lock()
	if in.max > 0 && len(in.cancel)+len(in.orders) >= in.max {
		in.mu.Unlock()
		return ErrFull
	}
	switch ClassifyRaw(b) {
	case KindCancel:
		in.cancel = append(in.cancel, cp)
	default:
		in.orders = append(in.orders, cp)
	}
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns up to max envelopes, cancels first.
// max <= 0 drains everything.
func (in *Inbox) Drain(max int) [][]byte {
	in.mu.Lock()
	defer in.mu.Unlock()

	var out [][]byte
	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			if max > 0 && len(out) >= max {
				return
			}
			out = append(out, (*q)[0])
			*q = (*q)[1:]
		}
	}
	pull(&in.cancel)
	pull(&in.orders)
	return out
}

// Ready is signalled after a push; the consumer should Drain.
func (in *Inbox) Ready() <-chan struct{} { return in.notify }

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.cancel) + len(in.orders)
}
