package venue

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
	"github.com/uhyunpark/cloakbook/pkg/rpcutil"
)

const (
	methodReferencePrice = "venue_referencePrice"
	methodDepth          = "venue_depth"
	methodSubmitAtomic   = "venue_submitAtomic"
)

// Client talks to the external liquidity venue. It also serves as the
// matcher's price oracle.
type Client struct {
	rpc           *rpc.Client
	quoteTimeout  time.Duration
	submitTimeout time.Duration
	sugar         *zap.SugaredLogger
}

var _ settlement.Venue = (*Client)(nil)

func NewClient(c *rpc.Client, quoteTimeout, submitTimeout time.Duration, sugar *zap.SugaredLogger) *Client {
	if quoteTimeout <= 0 {
		quoteTimeout = 3 * time.Second
	}
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Client{rpc: c, quoteTimeout: quoteTimeout, submitTimeout: submitTimeout, sugar: sugar}
}

func Dial(ctx context.Context, url string, quoteTimeout, submitTimeout time.Duration, sugar *zap.SugaredLogger) (*Client, error) {
	c, err := rpcutil.Dial(ctx, url, 0, sugar)
	if err != nil {
		return nil, errors.Wrap(err, "venue")
	}
	return NewClient(c, quoteTimeout, submitTimeout, sugar), nil
}

// ReferencePrice returns the venue mid, or nil if the venue has none.
func (c *Client) ReferencePrice(ctx context.Context) (*decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.quoteTimeout)
	defer cancel()

	var price *decimal.Decimal
	if err := c.rpc.CallContext(ctx, &price, methodReferencePrice); err != nil {
		return nil, errors.Wrap(err, methodReferencePrice)
	}
	if price != nil && !price.IsPositive() {
		return nil, errors.Errorf("%s: non-positive price %s", methodReferencePrice, price)
	}
	return price, nil
}

func (c *Client) Depth(ctx context.Context) (*settlement.Depth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.quoteTimeout)
	defer cancel()

	var d *settlement.Depth
	if err := c.rpc.CallContext(ctx, &d, methodDepth); err != nil {
		return nil, errors.Wrap(err, methodDepth)
	}
	return d, nil
}

// SubmitAtomic submits the cohort transaction and returns its digest.
func (c *Client) SubmitAtomic(ctx context.Context, tx *settlement.AtomicTransaction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var digest string
	if err := c.rpc.CallContext(ctx, &digest, methodSubmitAtomic, tx); err != nil {
		return "", errors.Wrapf(err, "%s %s", methodSubmitAtomic, tx.ID)
	}
	if digest == "" {
		return "", errors.Errorf("%s: empty digest", methodSubmitAtomic)
	}
	return digest, nil
}

func (c *Client) Close() { c.rpc.Close() }
