package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Side encodings inside a commitment preimage.
const (
	CommitSideBuy  uint8 = 1
	CommitSideSell uint8 = 2
)

// CommitmentInput is the hidden content of an order. The packed preimage is
// owner(20) || side(1) || price(32) || amount(32) || locked(32) || salt(32),
// integers big-endian, matching abi.encodePacked on the escrow contract.
type CommitmentInput struct {
	Owner  common.Address
	Side   uint8
	Price  int64
	Amount int64
	Locked int64
	Salt   [32]byte
}

// ComputeCommitment returns keccak256 of the packed preimage.
func ComputeCommitment(in CommitmentInput) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(in.Owner.Bytes())
	h.Write([]byte{in.Side})
	writeUint256(h, in.Price)
	writeUint256(h, in.Amount)
	writeUint256(h, in.Locked)
	h.Write(in.Salt[:])

	return common.BytesToHash(h.Sum(nil))
}

func writeUint256(w io.Writer, v int64) {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], uint64(v))
	w.Write(word[:])
}

// NewSalt returns 32 random bytes.
func NewSalt() ([32]byte, error) {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("failed to read salt: %w", err)
	}
	return s, nil
}

// ParseSalt decodes a 0x-prefixed 32-byte hex salt.
func ParseSalt(s string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(s)
	if len(b) != 32 {
		return out, fmt.Errorf("salt must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
