package batch

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
)

var (
	// ErrDecryptionFailure: payload could not be decrypted yet, order queued.
	ErrDecryptionFailure = errors.New("decryption failed")
	// ErrConfigurationMissing: a settlement path has no collaborator wired.
	// Treated as a no-op, never surfaced as a failure.
	ErrConfigurationMissing = errors.New("settlement not configured")
	ErrCommitmentMismatch   = errors.New("payload does not match commitment")
	ErrInvalidOrder         = orderbook.ErrInvalidOrder
	ErrDuplicateOrder       = orderbook.ErrDuplicateOrder
	ErrInvalidReceivers     = orderbook.ErrInvalidReceivers
	ErrSettlementPerMatch   = settlement.ErrSettlementPerMatch
)

type Status int8

const (
	StatusIdle Status = iota
	StatusAccumulating
	StatusResolving
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAccumulating:
		return "accumulating"
	case StatusResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Resolution summarizes one resolved batch. Never mutated after creation.
type Resolution struct {
	BatchID           uint64        `json:"batchId"`
	InternalMatches   int           `json:"internalMatches"`
	ExternallySettled int           `json:"externallySettled"`
	FailedResiduals   int           `json:"failedResiduals"`
	CarriedOver       int           `json:"carriedOver"`
	TotalOrders       int           `json:"totalOrders"`
	ReferencePrice    string        `json:"referencePrice,omitempty"` // "" when the venue had none
	Timestamp         time.Time     `json:"timestamp"`
	Duration          time.Duration `json:"durationNs"`
}

// State is a read-only snapshot of the engine.
type State struct {
	BatchID         uint64      `json:"batchId"`
	Status          Status      `json:"status"`
	OrderCount      int         `json:"orderCount"`
	WindowStart     time.Time   `json:"windowStart"`
	TimeRemainingMs int64       `json:"timeRemainingMs"`
	LastResolution  *Resolution `json:"lastResolution,omitempty"`
}

// Liquidator settles residual sells as one cohort, one Result per order.
type Liquidator interface {
	Liquidate(ctx context.Context, batchID uint64, orders []*orderbook.Order) []settlement.Result
}

// Notifier receives fire-and-forget events. Implementations must not block.
type Notifier interface {
	MatchFound(m matcher.Match)
	SettlementRecorded(m matcher.Match, digest string, volume *big.Int)
	LiquidationExecuted(m matcher.Match, digest string)
	BatchResolved(r Resolution)
}

// Store persists resolutions and the redacted match feed.
type Store interface {
	SaveResolution(r *Resolution) error
	// LatestResolution returns nil, nil when nothing was saved.
	LatestResolution() (*Resolution, error)
	SaveMatch(batchID uint64, m matcher.Match) error
}

type WAL interface {
	Append(line string)
}

type Config struct {
	Window    time.Duration
	MaxOrders int
}

func DefaultConfig() Config {
	return Config{Window: 60 * time.Second, MaxOrders: 10}
}
