package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

var (
	ErrBadSignature = errors.New("signature invalid")
	ErrExpired      = errors.New("envelope expired")
)

// Verifier checks envelope signatures against the EIP-712 domain.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// VerifyOrder checks the owner's signature and deadline. Returns the owner.
func (v *Verifier) VerifyOrder(env *Envelope, now time.Time) (common.Address, error) {
	if env.Type != TypeOrder || env.Order == nil {
		return common.Address{}, fmt.Errorf("not an order envelope")
	}
	typed, err := env.Order.ToEIP712()
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid order format: %w", err)
	}
	if d := typed.Deadline.Int64(); d > 0 && now.Unix() > d {
		return common.Address{}, ErrExpired
	}

	sig, err := decodeSignature(env.Signature)
	if err != nil {
		return common.Address{}, err
	}
	ok, err := v.eip712Signer.VerifySealedOrderSignature(typed, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if !ok {
		return common.Address{}, ErrBadSignature
	}
	return typed.Owner, nil
}

// VerifyCancel checks a cancel's signature. Returns the owner.
func (v *Verifier) VerifyCancel(env *Envelope) (common.Address, error) {
	if env.Type != TypeCancel || env.Cancel == nil {
		return common.Address{}, fmt.Errorf("not a cancel envelope")
	}
	typed, err := env.Cancel.ToEIP712()
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid cancel format: %w", err)
	}
	sig, err := decodeSignature(env.Signature)
	if err != nil {
		return common.Address{}, err
	}
	ok, err := v.eip712Signer.VerifyCancelSignature(typed, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if !ok {
		return common.Address{}, ErrBadSignature
	}
	return typed.Owner, nil
}

// decodeSignature decodes a 0x-prefixed 65-byte signature
func decodeSignature(sig string) ([]byte, error) {
	b, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
