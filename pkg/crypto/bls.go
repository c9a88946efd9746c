package crypto

import (
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/common"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner signs attestations when the node is configured for BLS, so
// that several attesting nodes' signatures over one resolution can be
// aggregated.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key from at least 32 bytes of seed.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func (s *BLSSigner) Scheme() string { return "bls" }

// PublicID is the hex encoded public key.
func (s *BLSSigner) PublicID() string {
	b, err := s.pk.MarshalBinary()
	if err != nil {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func (s *BLSSigner) SignAttestation(h common.Hash) ([]byte, error) {
	return s.Sign(h.Bytes()), nil
}

func Verify(pk *BLSPubKey, sigBytes, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}

// Aggregate combines signatures over the same message.
func Aggregate(sigBytesList [][]byte) []byte {
	sigs := make([]bls.Signature, 0, len(sigBytesList))
	for _, sb := range sigBytesList {
		if len(sb) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sb))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil
	}
	return agg
}

func VerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	msgs := make([][]byte, len(pks))
	for i := range pks {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}

// ParseBLSPubKey decodes a key produced by PublicID.
func ParseBLSPubKey(s string) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(common.FromHex(s)); err != nil {
		return nil, fmt.Errorf("invalid bls public key: %w", err)
	}
	return pk, nil
}
