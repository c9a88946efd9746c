package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

type store interface {
	batch.Store
	Resolutions(limit int) ([]*batch.Resolution, error)
	GetResolution(batchID uint64) (*batch.Resolution, error)
	MatchesForBatch(batchID uint64) ([]MatchRecord, error)
	AppendAttestation(data []byte) (uint64, error)
	RecentAttestations(limit int) ([][]byte, error)
}

func stores(t *testing.T) map[string]store {
	ps, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return map[string]store{"pebble": ps, "memory": NewMemStore()}
}

func sampleMatch() matcher.Match {
	m := matcher.Match{
		Kind:            matcher.InternalCross,
		Buy:             &orderbook.Order{Commitment: "0xb1", Price: 12, Amount: 3},
		Sell:            &orderbook.Order{Commitment: "0xa1", Price: 9, Amount: 3},
		ExecutionPrice:  10,
		ExecutionAmount: 3,
		CreatedAt:       time.Unix(1_700_000_000, 0).UTC(),
	}
	m.SetDigest("0xd1")
	return m
}

func TestStore_Resolutions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			latest, err := s.LatestResolution()
			require.NoError(t, err)
			assert.Nil(t, latest)

			for id := uint64(1); id <= 3; id++ {
				require.NoError(t, s.SaveResolution(&batch.Resolution{BatchID: id, TotalOrders: int(id), Timestamp: time.Unix(int64(id), 0).UTC()}))
			}
			latest, err = s.LatestResolution()
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, uint64(3), latest.BatchID)
			assert.Equal(t, 3, latest.TotalOrders)

			rs, err := s.Resolutions(2)
			require.NoError(t, err)
			require.Len(t, rs, 2)
			assert.Equal(t, uint64(3), rs[0].BatchID)
			assert.Equal(t, uint64(2), rs[1].BatchID)

			r, err := s.GetResolution(1)
			require.NoError(t, err)
			require.NotNil(t, r)
			assert.Equal(t, 1, r.TotalOrders)
			missing, err := s.GetResolution(9)
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestStore_MatchesAreRedacted(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveMatch(7, sampleMatch()))
			liq := matcher.Match{Kind: matcher.ExternalLiquidation, Sell: &orderbook.Order{Commitment: "0xa2"}}
			require.NoError(t, s.SaveMatch(7, liq))
			require.NoError(t, s.SaveMatch(8, sampleMatch()))

			recs, err := s.MatchesForBatch(7)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, MatchRecord{
				BatchID:   7,
				Kind:      "internal",
				Buyer:     "0xb1",
				Seller:    "0xa1",
				Digest:    "0xd1",
				CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
			}, recs[0])
			assert.Equal(t, "external", recs[1].Kind)
			assert.Empty(t, recs[1].Buyer)
		})
	}
}

func TestStore_Attestations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, a := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				_, err := s.AppendAttestation([]byte(a))
				require.NoError(t, err)
			}
			recent, err := s.RecentAttestations(2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.JSONEq(t, `{"n":3}`, string(recent[0]))
			assert.JSONEq(t, `{"n":2}`, string(recent[1]))
		})
	}
}

func TestPebbleStore_ReopenKeepsSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	seq, err := s.AppendAttestation([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	require.NoError(t, s.SaveResolution(&batch.Resolution{BatchID: 5}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()
	seq, err = s.AppendAttestation([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	r, err := s.GetResolution(5)
	require.NoError(t, err)
	require.NotNil(t, r)
	missing, err := s.GetResolution(6)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewFileWAL(path)
	require.NoError(t, err)
	w.Append("resolved batch=1")
	w.Append("resolved batch=2")
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "resolved batch=1\nresolved batch=2\n", string(raw))

	// reopening appends instead of truncating
	w, err = NewFileWAL(path)
	require.NoError(t, err)
	w.Append("resolved batch=3")
	require.NoError(t, w.Close())
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "resolved batch=1\nresolved batch=2\nresolved batch=3\n", string(raw))
}
