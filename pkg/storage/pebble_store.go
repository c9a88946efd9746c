package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
)

type PebbleStore struct {
	db *pebble.DB

	mu       sync.Mutex
	matchSeq uint64
	attSeq   uint64
}

var _ batch.Store = (*PebbleStore)(nil)

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db}
	if s.matchSeq, err = s.lastSeq(prefixMatch); err != nil {
		db.Close()
		return nil, err
	}
	if s.attSeq, err = s.lastSeq(prefixAttestation); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) lastSeq(prefix []byte) (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return lastU64(iter.Key()), nil
}

func (s *PebbleStore) putJSON(k []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.db.Set(k, data, opts)
}

// SaveResolution persists r keyed by batch id.
func (s *PebbleStore) SaveResolution(r *batch.Resolution) error {
	if err := s.putJSON(key(prefixResolution, r.BatchID), r, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save resolution: %w", err)
	}
	return nil
}

// LatestResolution returns the resolution with the highest batch id.
func (s *PebbleStore) LatestResolution() (*batch.Resolution, error) {
	rs, err := s.Resolutions(1)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return rs[0], nil
}

// Resolutions returns up to limit resolutions, newest first.
func (s *PebbleStore) Resolutions(limit int) ([]*batch.Resolution, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixResolution,
		UpperBound: keyUpperBound(prefixResolution),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*batch.Resolution
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var r batch.Resolution
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// GetResolution returns nil, nil when batchID was never resolved.
func (s *PebbleStore) GetResolution(batchID uint64) (*batch.Resolution, error) {
	data, closer, err := s.db.Get(key(prefixResolution, batchID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}
	defer closer.Close()

	var r batch.Resolution
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
	}
	return &r, nil
}

// SaveMatch appends the redacted record of m under its batch.
func (s *PebbleStore) SaveMatch(batchID uint64, m matcher.Match) error {
	s.mu.Lock()
	s.matchSeq++
	seq := s.matchSeq
	s.mu.Unlock()

	if err := s.putJSON(key(prefixMatch, batchID, seq), NewMatchRecord(batchID, m), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save match: %w", err)
	}
	return nil
}

// MatchesForBatch returns the batch's match records in insertion order.
func (s *PebbleStore) MatchesForBatch(batchID uint64) ([]MatchRecord, error) {
	prefix := key(prefixMatch, batchID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []MatchRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec MatchRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendAttestation stores an encoded attestation and returns its sequence.
func (s *PebbleStore) AppendAttestation(data []byte) (uint64, error) {
	s.mu.Lock()
	s.attSeq++
	seq := s.attSeq
	s.mu.Unlock()

	if err := s.db.Set(key(prefixAttestation, seq), data, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to save attestation: %w", err)
	}
	return seq, nil
}

// RecentAttestations returns up to limit encoded attestations, newest first.
func (s *PebbleStore) RecentAttestations(limit int) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixAttestation,
		UpperBound: keyUpperBound(prefixAttestation),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	return out, nil
}
