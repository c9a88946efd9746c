package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/envelope"
	"github.com/uhyunpark/cloakbook/pkg/app/core/inbox"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
	"github.com/uhyunpark/cloakbook/pkg/util"
)

var (
	ErrNotOwner     = errors.New("cancel not signed by order owner")
	ErrUnknownOrder = errors.New("unknown order")
	ErrWrongVenue   = errors.New("envelope for another venue")
)

// Engine is the part of batch.Engine the intake loop drives.
type Engine interface {
	AddOrder(o *orderbook.Order) error
	CancelOrder(commitment string) bool
	AddPendingOrder(p *orderbook.PendingOrder) error
	RemovePendingOrder(commitment string) bool
	PendingOrders() []orderbook.PendingOrder
	Known(commitment string) bool
	Owner(commitment string) (common.Address, bool)
}

type Config struct {
	DrainInterval        time.Duration
	DrainBatch           int
	InboxCapacity        int
	PendingRetryInterval time.Duration
	MaxDecryptAttempts   int
	DecryptTimeout       time.Duration
	DedupeSize           int
	VenueID              string // empty accepts any venue
}

func DefaultConfig() Config {
	return Config{
		DrainInterval:        100 * time.Millisecond,
		DrainBatch:           256,
		InboxCapacity:        10_000,
		PendingRetryInterval: 5 * time.Second,
		MaxDecryptAttempts:   12,
		DecryptTimeout:       2 * time.Second,
		DedupeSize:           65_536,
	}
}

// App turns raw envelopes into engine orders. It is the single consumer of
// its inbox; Run must not be called twice.
type App struct {
	cfg       Config
	inbox     *inbox.Inbox
	engine    Engine
	verifier  *envelope.Verifier
	decryptor Decryptor
	seen      *lru.Cache[string, struct{}]
	clock     util.Clock
	sugar     *zap.SugaredLogger

	// OnReject, when set, is called with a short reason for every dropped
	// envelope.
	OnReject func(reason string)
}

func NewApp(cfg Config, engine Engine, domain crypto.EIP712Domain, dec Decryptor, clock util.Clock, sugar *zap.SugaredLogger) (*App, error) {
	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.PendingRetryInterval <= 0 {
		cfg.PendingRetryInterval = def.PendingRetryInterval
	}
	if cfg.MaxDecryptAttempts <= 0 {
		cfg.MaxDecryptAttempts = def.MaxDecryptAttempts
	}
	if cfg.DecryptTimeout <= 0 {
		cfg.DecryptTimeout = def.DecryptTimeout
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	if dec == nil {
		return nil, fmt.Errorf("decryptor: %w", batch.ErrConfigurationMissing)
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &App{
		cfg:       cfg,
		inbox:     inbox.New(cfg.InboxCapacity),
		engine:    engine,
		verifier:  envelope.NewVerifier(domain),
		decryptor: dec,
		seen:      seen,
		clock:     clock,
		sugar:     sugar,
	}, nil
}

// Submit checks that raw is a well-formed envelope and queues it.
// Signatures are verified when the envelope is drained.
func (a *App) Submit(raw []byte) error {
	if _, err := envelope.Parse(raw); err != nil {
		return err
	}
	return a.inbox.PushRaw(raw)
}

// PushRaw queues raw without parsing it.
func (a *App) PushRaw(raw []byte) error { return a.inbox.PushRaw(raw) }

func (a *App) QueueLen() int { return a.inbox.Len() }

// Run drains the inbox and retries pending decryptions until ctx is done.
func (a *App) Run(ctx context.Context) {
	drain := time.NewTicker(a.cfg.DrainInterval)
	defer drain.Stop()
	retry := time.NewTicker(a.cfg.PendingRetryInterval)
	defer retry.Stop()

	a.sugar.Infow("intake_started", "drain_interval", a.cfg.DrainInterval, "retry_interval", a.cfg.PendingRetryInterval)
	for {
		select {
		case <-ctx.Done():
			a.sugar.Infow("intake_stopped", "queued", a.inbox.Len())
			return
		case <-a.inbox.Ready():
			a.DrainOnce(ctx)
		case <-drain.C:
			a.DrainOnce(ctx)
		case <-retry.C:
			a.RetryPending(ctx)
		}
	}
}

// DrainOnce processes one drain's worth of envelopes, cancels first.
func (a *App) DrainOnce(ctx context.Context) int {
	raws := a.inbox.Drain(a.cfg.DrainBatch)
	for _, raw := range raws {
		if err := a.Process(ctx, raw); err != nil {
			a.reject(err)
		}
	}
	return len(raws)
}

// Process handles a single envelope. An order that cannot be decrypted yet
// is queued as pending and is not an error.
func (a *App) Process(ctx context.Context, raw []byte) error {
	env, err := envelope.Parse(raw)
	if err != nil {
		return err
	}
	switch env.Type {
	case envelope.TypeCancel:
		return a.processCancel(env)
	default:
		return a.processOrder(ctx, env)
	}
}

func (a *App) processCancel(env *envelope.Envelope) error {
	signer, err := a.verifier.VerifyCancel(env)
	if err != nil {
		return err
	}
	commitment, err := envelope.NormalizeCommitment(env.Cancel.Commitment)
	if err != nil {
		return err
	}
	owner, ok := a.engine.Owner(commitment)
	if !ok {
		return ErrUnknownOrder
	}
	if owner != signer {
		return ErrNotOwner
	}
	if !a.engine.CancelOrder(commitment) {
		return ErrUnknownOrder
	}
	return nil
}

func (a *App) processOrder(ctx context.Context, env *envelope.Envelope) error {
	owner, err := a.verifier.VerifyOrder(env, a.clock.Now())
	if err != nil {
		return err
	}
	if a.cfg.VenueID != "" && env.Order.VenueID != a.cfg.VenueID {
		return ErrWrongVenue
	}
	commitment, err := envelope.NormalizeCommitment(env.Order.Commitment)
	if err != nil {
		return err
	}
	if a.seen.Contains(commitment) || a.engine.Known(commitment) {
		return batch.ErrDuplicateOrder
	}
	ct, err := env.Order.CiphertextBytes()
	if err != nil {
		return err
	}

	p := &orderbook.PendingOrder{
		Commitment: commitment,
		Owner:      owner,
		Ciphertext: ct,
		VenueID:    env.Order.VenueID,
		FirstSeen:  a.clock.Now(),
	}
	d, err := a.decrypt(ctx, p)
	if d == nil {
		p.Attempts = 1
		if addErr := a.engine.AddPendingOrder(p); addErr != nil {
			return addErr
		}
		a.seen.Add(commitment, struct{}{})
		a.sugar.Infow("order_pending_decryption", "commitment", commitment, "err", err)
		return nil
	}
	a.seen.Add(commitment, struct{}{})
	return a.admit(p, d)
}

// RetryPending makes one more decrypt attempt for every pending order.
// Entries that reach MaxDecryptAttempts are dropped.
func (a *App) RetryPending(ctx context.Context) (admitted, dropped int) {
	for _, p := range a.engine.PendingOrders() {
		d, err := a.decrypt(ctx, &p)
		if d == nil {
			p.Attempts++
			if p.Attempts >= a.cfg.MaxDecryptAttempts {
				a.engine.RemovePendingOrder(p.Commitment)
				dropped++
				a.sugar.Warnw("pending_order_dropped", "commitment", p.Commitment, "attempts", p.Attempts, "err", err)
				continue
			}
			if addErr := a.engine.AddPendingOrder(&p); addErr != nil {
				a.sugar.Warnw("pending_order_requeue_failed", "commitment", p.Commitment, "err", addErr)
			}
			continue
		}

		a.engine.RemovePendingOrder(p.Commitment)
		if err := a.admit(&p, d); err != nil {
			a.reject(err)
			continue
		}
		admitted++
	}
	if admitted > 0 || dropped > 0 {
		a.sugar.Infow("pending_retry", "admitted", admitted, "dropped", dropped)
	}
	return admitted, dropped
}

func (a *App) decrypt(ctx context.Context, p *orderbook.PendingOrder) (*orderbook.DecryptedOrder, error) {
	dctx, cancel := context.WithTimeout(ctx, a.cfg.DecryptTimeout)
	defer cancel()
	d, err := a.decryptor.Decrypt(dctx, p.Ciphertext, p.VenueID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrDecryptionFailure, err)
	}
	return d, nil
}

// admit binds the payload to its commitment and hands the order to the engine.
func (a *App) admit(p *orderbook.PendingOrder, d *orderbook.DecryptedOrder) error {
	got, err := CommitmentOf(p.Owner, d)
	if err != nil {
		return fmt.Errorf("%w: %v", batch.ErrCommitmentMismatch, err)
	}
	if got.Hex() != p.Commitment {
		a.sugar.Warnw("commitment_mismatch", "commitment", p.Commitment)
		return batch.ErrCommitmentMismatch
	}
	o := &orderbook.Order{
		Commitment:   p.Commitment,
		Side:         d.Side,
		Price:        d.Price,
		Amount:       d.Amount,
		LockedAmount: d.LockedAmount,
		Owner:        p.Owner,
		Receivers:    d.Receivers,
		Timestamp:    p.FirstSeen,
	}
	return a.engine.AddOrder(o)
}

func (a *App) reject(err error) {
	reason := rejectReason(err)
	a.sugar.Infow("envelope_rejected", "reason", reason, "err", err)
	if a.OnReject != nil {
		a.OnReject(reason)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, envelope.ErrExpired):
		return "expired"
	case errors.Is(err, batch.ErrDuplicateOrder):
		return "duplicate"
	case errors.Is(err, batch.ErrCommitmentMismatch):
		return "commitment_mismatch"
	case errors.Is(err, batch.ErrInvalidReceivers):
		return "invalid_receivers"
	case errors.Is(err, batch.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrWrongVenue):
		return "wrong_venue"
	default:
		return "malformed"
	}
}
