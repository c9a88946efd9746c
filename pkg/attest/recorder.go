package attest

import (
	"context"
	"encoding/json"
	"math/big"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

const DefaultBuffer = 1024

// Publisher fans attestations out to an external channel. Publish runs on
// the recorder goroutine and may block briefly.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, a *Attestation) error
}

// Store persists encoded attestations.
type Store interface {
	AppendAttestation(data []byte) (uint64, error)
	RecentAttestations(limit int) ([][]byte, error)
}

// Recorder implements batch.Notifier. Engine callbacks only enqueue; the
// run loop signs, persists and publishes in arrival order. When the buffer
// is full events are dropped and counted.
type Recorder struct {
	signer     Signer
	store      Store
	publishers []Publisher
	clock      util.Clock
	sugar      *zap.SugaredLogger

	events  chan Body
	dropped atomic.Uint64
	done    chan struct{}
}

var _ batch.Notifier = (*Recorder)(nil)

func NewRecorder(signer Signer, store Store, clock util.Clock, sugar *zap.SugaredLogger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &Recorder{
		signer: signer,
		store:  store,
		clock:  clock,
		sugar:  sugar,
		events: make(chan Body, buffer),
		done:   make(chan struct{}),
	}
}

// AddPublisher must be called before Run.
func (r *Recorder) AddPublisher(p Publisher) { r.publishers = append(r.publishers, p) }

func (r *Recorder) Signer() Signer { return r.signer }

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) MatchFound(m matcher.Match) {
	r.enqueue(Body{Kind: KindMatch, Buyer: m.BuyCommitment(), Seller: m.SellCommitment()})
}

func (r *Recorder) SettlementRecorded(m matcher.Match, digest string, _ *big.Int) {
	r.enqueue(Body{Kind: KindSettlement, Buyer: m.BuyCommitment(), Seller: m.SellCommitment(), Digest: digest})
}

func (r *Recorder) LiquidationExecuted(m matcher.Match, digest string) {
	r.enqueue(Body{Kind: KindLiquidation, Seller: m.SellCommitment(), Digest: digest})
}

func (r *Recorder) BatchResolved(res batch.Resolution) {
	r.enqueue(Body{Kind: KindResolution, Resolution: &res})
}

func (r *Recorder) enqueue(b Body) {
	b.ID = uuid.NewString()
	b.Timestamp = r.clock.Now()
	select {
	case r.events <- b:
	default:
		n := r.dropped.Add(1)
		r.sugar.Warnw("attestation_dropped", "kind", b.Kind, "dropped_total", n)
	}
}

// Run processes events until ctx is done, then drains what is buffered.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case b := <-r.events:
			r.handle(ctx, b)
		case <-ctx.Done():
			for {
				select {
				case b := <-r.events:
					r.handle(context.Background(), b)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) handle(ctx context.Context, b Body) {
	a, err := Sign(r.signer, b)
	if err != nil {
		r.sugar.Errorw("attestation_sign_failed", "kind", b.Kind, "err", err)
		return
	}
	if r.store != nil {
		data, err := json.Marshal(a)
		if err == nil {
			_, err = r.store.AppendAttestation(data)
		}
		if err != nil {
			r.sugar.Errorw("attestation_store_failed", "id", a.ID, "err", err)
		}
	}
	for _, p := range r.publishers {
		if err := p.Publish(ctx, a); err != nil {
			r.sugar.Warnw("attestation_publish_failed", "publisher", p.Name(), "id", a.ID, "err", err)
		}
	}
	r.sugar.Debugw("attestation_recorded", "id", a.ID, "kind", a.Kind, "hash", a.Hash.Hex())
}

// Recent returns stored attestations, newest first.
func (r *Recorder) Recent(limit int) ([]*Attestation, error) {
	if r.store == nil {
		return nil, nil
	}
	raws, err := r.store.RecentAttestations(limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Attestation, 0, len(raws))
	for _, raw := range raws {
		var a Attestation
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}
