package rpcutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxRetries bounds dial attempts before giving up.
const DefaultMaxRetries = 8

// Dial connects to a JSON-RPC endpoint, retrying with exponential backoff.
// Callers treat an empty url as ConfigurationMissing and never call Dial.
func Dial(ctx context.Context, url string, retries uint64, sugar *zap.SugaredLogger) (*rpc.Client, error) {
	if url == "" {
		return nil, errors.New("empty rpc url")
	}
	if retries == 0 {
		retries = DefaultMaxRetries
	}

	var client *rpc.Client
	op := func() error {
		c, err := rpc.DialContext(ctx, url)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	notify := func(err error, next time.Duration) {
		sugar.Warnw("rpc_dial_retry", "url", url, "err", err, "next", next)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return client, nil
}
