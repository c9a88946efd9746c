package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// Decryptor opens sealed order payloads. A nil order with a nil error means
// the payload is not decryptable yet and the order waits in the pending
// queue.
type Decryptor interface {
	Decrypt(ctx context.Context, ciphertext []byte, venueID string) (*orderbook.DecryptedOrder, error)
}

// ECIESDecryptor opens payloads with a locally held sealing key.
type ECIESDecryptor struct {
	key *crypto.SealingKey
}

func NewECIESDecryptor(key *crypto.SealingKey) *ECIESDecryptor {
	return &ECIESDecryptor{key: key}
}

func (d *ECIESDecryptor) Decrypt(_ context.Context, ciphertext []byte, _ string) (*orderbook.DecryptedOrder, error) {
	pt, err := d.key.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	var out orderbook.DecryptedOrder
	if err := json.Unmarshal(pt, &out); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &out, nil
}
