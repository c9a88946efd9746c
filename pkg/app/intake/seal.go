package intake

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/cloakbook/pkg/app/core/envelope"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// CommitmentOf recomputes the ledger commitment for a decrypted payload.
func CommitmentOf(owner common.Address, d *orderbook.DecryptedOrder) (common.Hash, error) {
	salt, err := crypto.ParseSalt(d.Salt)
	if err != nil {
		return common.Hash{}, err
	}
	side := crypto.CommitSideBuy
	if d.Side == orderbook.Sell {
		side = crypto.CommitSideSell
	}
	return crypto.ComputeCommitment(crypto.CommitmentInput{
		Owner:  owner,
		Side:   side,
		Price:  d.Price,
		Amount: d.Amount,
		Locked: d.LockedAmount,
		Salt:   salt,
	}), nil
}

// SealOrder fills in a fresh salt when d has none, commits to the payload,
// seals it to the decryption key and signs the envelope. Used by the devnet
// feeder and the seal-order CLI.
func SealOrder(signer *crypto.Signer, domain crypto.EIP712Domain, sealTo *ecdsa.PublicKey, venueID string, d orderbook.DecryptedOrder, nonce uint64, deadline int64) (*envelope.Envelope, common.Hash, error) {
	if d.Salt == "" {
		salt, err := crypto.NewSalt()
		if err != nil {
			return nil, common.Hash{}, err
		}
		d.Salt = hexutil.Encode(salt[:])
	}
	commitment, err := CommitmentOf(signer.Address(), &d)
	if err != nil {
		return nil, common.Hash{}, err
	}

	plaintext, err := json.Marshal(d)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	ct, err := crypto.Seal(sealTo, plaintext)
	if err != nil {
		return nil, common.Hash{}, err
	}

	env, err := envelope.NewSealedOrder(signer, domain, commitment, venueID, ct, nonce, deadline)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return env, commitment, nil
}
