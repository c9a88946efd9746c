package tee

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/rpcutil"
)

const methodDecrypt = "tee_decrypt"

// Client asks the remote decryption service to open sealed payloads. The
// service answers null until the threshold committee has released the key
// share for the payload.
type Client struct {
	rpc   *rpc.Client
	sugar *zap.SugaredLogger
}

func NewClient(c *rpc.Client, sugar *zap.SugaredLogger) *Client {
	return &Client{rpc: c, sugar: sugar}
}

func Dial(ctx context.Context, url string, sugar *zap.SugaredLogger) (*Client, error) {
	c, err := rpcutil.Dial(ctx, url, 0, sugar)
	if err != nil {
		return nil, errors.Wrap(err, "tee")
	}
	return NewClient(c, sugar), nil
}

func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, venueID string) (*orderbook.DecryptedOrder, error) {
	var out *orderbook.DecryptedOrder
	if err := c.rpc.CallContext(ctx, &out, methodDecrypt, hexutil.Bytes(ciphertext), venueID); err != nil {
		return nil, errors.Wrap(err, methodDecrypt)
	}
	return out, nil
}

func (c *Client) Close() { c.rpc.Close() }
