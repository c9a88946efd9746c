package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/settlement"
	"github.com/uhyunpark/cloakbook/pkg/rpcutil"
)

const methodSettleMatch = "ledger_settleMatch"

// Client settles internally crossed matches on the escrow ledger.
type Client struct {
	rpc     *rpc.Client
	timeout time.Duration
	sugar   *zap.SugaredLogger
}

var _ settlement.DirectSettler = (*Client)(nil)

func NewClient(c *rpc.Client, timeout time.Duration, sugar *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{rpc: c, timeout: timeout, sugar: sugar}
}

func Dial(ctx context.Context, url string, timeout time.Duration, sugar *zap.SugaredLogger) (*Client, error) {
	c, err := rpcutil.Dial(ctx, url, 0, sugar)
	if err != nil {
		return nil, errors.Wrap(err, "ledger")
	}
	return NewClient(c, timeout, sugar), nil
}

// SettleMatch submits one match and returns the ledger transaction digest.
func (c *Client) SettleMatch(ctx context.Context, req *settlement.DirectSettlement) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var digest string
	if err := c.rpc.CallContext(ctx, &digest, methodSettleMatch, req); err != nil {
		return "", errors.Wrapf(err, "%s batch %d", methodSettleMatch, req.BatchID)
	}
	if digest == "" {
		return "", errors.Errorf("%s: empty digest", methodSettleMatch)
	}
	return digest, nil
}

func (c *Client) Close() { c.rpc.Close() }
