package envelope

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// NewSealedOrder builds and signs an order envelope for signer.
func NewSealedOrder(signer *crypto.Signer, domain crypto.EIP712Domain, commitment common.Hash, venueID string, ciphertext []byte, nonce uint64, deadline int64) (*Envelope, error) {
	payload := &SealedOrderPayload{
		Commitment: commitment.Hex(),
		VenueID:    venueID,
		Ciphertext: hexutil.Encode(ciphertext),
		Nonce:      new(big.Int).SetUint64(nonce).String(),
		Deadline:   big.NewInt(deadline).String(),
		Owner:      signer.Address().Hex(),
	}
	typed, err := payload.ToEIP712()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.NewEIP712Signer(domain).SignSealedOrder(signer, typed)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeOrder, Order: payload, Signature: hexutil.Encode(sig)}, nil
}

// NewCancel builds and signs a cancel envelope.
func NewCancel(signer *crypto.Signer, domain crypto.EIP712Domain, commitment common.Hash, nonce uint64) (*Envelope, error) {
	payload := &CancelPayload{
		Commitment: commitment.Hex(),
		Nonce:      new(big.Int).SetUint64(nonce).String(),
		Owner:      signer.Address().Hex(),
	}
	typed, err := payload.ToEIP712()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.NewEIP712Signer(domain).SignCancel(signer, typed)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeCancel, Cancel: payload, Signature: hexutil.Encode(sig)}, nil
}
