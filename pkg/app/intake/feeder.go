package intake

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// FeederConfig controls devnet order generation
type FeederConfig struct {
	BatchSize   int           // orders generated per tick
	Interval    time.Duration // tick period
	NumAccounts int           // simulated traders
	MidPrice    int64         // generated prices are MidPrice ± Spread
	Spread      int64
	MaxAmount   int64
	VenueID     string
}

// DefaultFeederConfig returns a light devnet load
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   2,
		Interval:    time.Second,
		NumAccounts: 8,
		MidPrice:    50_000,
		Spread:      500,
		MaxAmount:   10,
	}
}

// Generator produces signed, sealed orders from simulated traders
type Generator struct {
	cfg      FeederConfig
	accounts []*crypto.Signer
	domain   crypto.EIP712Domain
	sealTo   *ecdsa.PublicKey
	nonce    uint64
	rng      *rand.Rand
}

func NewGenerator(cfg FeederConfig, domain crypto.EIP712Domain, sealTo *ecdsa.PublicKey) (*Generator, error) {
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = 1
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 1
	}
	accounts := make([]*crypto.Signer, cfg.NumAccounts)
	for i := range accounts {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to create trader %d: %w", i, err)
		}
		accounts[i] = s
	}
	return &Generator{
		cfg:      cfg,
		accounts: accounts,
		domain:   domain,
		sealTo:   sealTo,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RandomOrder draws a side, price and amount. Sells lock the base amount,
// buys lock the quote notional.
func (g *Generator) RandomOrder() orderbook.DecryptedOrder {
	side := orderbook.Buy
	if g.rng.Intn(2) == 1 {
		side = orderbook.Sell
	}
	price := g.cfg.MidPrice
	if g.cfg.Spread > 0 {
		price += g.rng.Int63n(2*g.cfg.Spread+1) - g.cfg.Spread
	}
	if price < 1 {
		price = 1
	}
	amount := g.rng.Int63n(g.cfg.MaxAmount) + 1

	locked := amount
	if side == orderbook.Buy {
		locked = amount * price
	}
	return orderbook.DecryptedOrder{Side: side, Price: price, Amount: amount, LockedAmount: locked}
}

// Next returns one serialized envelope from a random trader.
func (g *Generator) Next() ([]byte, error) {
	signer := g.accounts[g.rng.Intn(len(g.accounts))]
	g.nonce++
	env, _, err := SealOrder(signer, g.domain, g.sealTo, g.cfg.VenueID, g.RandomOrder(), g.nonce, 0)
	if err != nil {
		return nil, err
	}
	return env.Serialize()
}

// StartFeeder pushes generated orders into app until ctx is done or the
// returned cancel function is called.
func StartFeeder(ctx context.Context, app *App, gen *Generator, sugar *zap.SugaredLogger) context.CancelFunc {
	feedCtx, cancel := context.WithCancel(ctx)
	cfg := gen.cfg

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		startTime := time.Now()
		total := 0
		sugar.Infow("feeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval, "accounts", cfg.NumAccounts)

		for {
			select {
			case <-feedCtx.Done():
				sugar.Infow("feeder_stopped", "orders", total, "elapsed", time.Since(startTime).Round(time.Second))
				return
			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					raw, err := gen.Next()
					if err != nil {
						sugar.Warnw("feeder_seal_failed", "err", err)
						continue
					}
					if err := app.PushRaw(raw); err != nil {
						sugar.Warnw("feeder_push_failed", "err", err)
						continue
					}
					total++
				}
			}
		}
	}()

	return cancel
}
