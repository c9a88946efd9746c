package storage

import (
	"encoding/binary"
	"time"

	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
)

// key layout:
//
//	r:<batch id>            resolution
//	m:<batch id><seq>       redacted match record
//	a:<seq>                 signed attestation
var (
	prefixResolution  = []byte("r:")
	prefixMatch       = []byte("m:")
	prefixAttestation = []byte("a:")
)

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func key(prefix []byte, parts ...uint64) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, u64(p)...)
	}
	return k
}

// lastU64 decodes the trailing big-endian uint64 of a key.
func lastU64(k []byte) uint64 {
	if len(k) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// MatchRecord is the persisted form of a match. Price, amount and owner are
// left out so the store can back the public feed.
type MatchRecord struct {
	BatchID   uint64    `json:"batchId"`
	Kind      string    `json:"kind"`
	Buyer     string    `json:"buyer,omitempty"`
	Seller    string    `json:"seller"`
	Digest    string    `json:"digest,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewMatchRecord(batchID uint64, m matcher.Match) MatchRecord {
	return MatchRecord{
		BatchID:   batchID,
		Kind:      m.Kind.String(),
		Buyer:     m.BuyCommitment(),
		Seller:    m.SellCommitment(),
		Digest:    m.Digest(),
		CreatedAt: m.CreatedAt,
	}
}
