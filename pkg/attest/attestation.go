package attest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// Signer is implemented by crypto.Signer (ecdsa) and crypto.BLSSigner (bls).
type Signer interface {
	Scheme() string
	PublicID() string
	SignAttestation(h common.Hash) ([]byte, error)
}

type Kind string

const (
	KindMatch       Kind = "match"
	KindSettlement  Kind = "settlement"
	KindLiquidation Kind = "liquidation"
	KindResolution  Kind = "resolution"
)

// Body is the signed part of an attestation. It carries commitments and
// digests only; prices, amounts and owners never appear.
type Body struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Buyer      string            `json:"buyer,omitempty"`
	Seller     string            `json:"seller,omitempty"`
	Digest     string            `json:"digest,omitempty"`
	Resolution *batch.Resolution `json:"resolution,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Hash is keccak256 over the JSON encoding of the body.
func (b *Body) Hash() (common.Hash, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

type Attestation struct {
	Body
	Hash      common.Hash   `json:"hash"`
	Scheme    string        `json:"scheme"`
	Signer    string        `json:"signer"`
	Signature hexutil.Bytes `json:"signature"`
}

// Sign hashes body and signs it with s.
func Sign(s Signer, body Body) (*Attestation, error) {
	h, err := body.Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash attestation: %w", err)
	}
	sig, err := s.SignAttestation(h)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}
	return &Attestation{Body: body, Hash: h, Scheme: s.Scheme(), Signer: s.PublicID(), Signature: sig}, nil
}

// Verify recomputes the body hash and checks the signature for either
// scheme.
func Verify(a *Attestation) bool {
	h, err := a.Body.Hash()
	if err != nil || h != a.Hash {
		return false
	}
	switch a.Scheme {
	case "ecdsa":
		return crypto.VerifySignature(common.HexToAddress(a.Signer), h.Bytes(), a.Signature)
	case "bls":
		pk, err := crypto.ParseBLSPubKey(a.Signer)
		if err != nil {
			return false
		}
		return crypto.Verify(pk, a.Signature, h.Bytes())
	default:
		return false
	}
}

// NewSigner builds the configured signer. BLS keys are derived from the
// 32-byte key material as seed.
func NewSigner(scheme, keyHex string) (Signer, error) {
	switch scheme {
	case "", "ecdsa":
		var (
			s   *crypto.Signer
			err error
		)
		if keyHex == "" {
			s, err = crypto.GenerateKey()
		} else {
			s, err = crypto.FromPrivateKeyHex(keyHex)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bls":
		seed := common.FromHex(keyHex)
		if len(seed) == 0 {
			s, err := crypto.NewSalt()
			if err != nil {
				return nil, err
			}
			seed = s[:]
		}
		s, err := crypto.NewBLSSignerFromSeed(seed)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown attestation scheme %q", scheme)
	}
}
