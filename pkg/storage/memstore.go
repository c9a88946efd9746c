package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
)

// MemStore keeps everything in memory. Used when the node runs without a
// data directory.
type MemStore struct {
	mu           sync.Mutex
	resolutions  map[uint64]*batch.Resolution
	latest       uint64
	matches      map[uint64][]MatchRecord
	attestations [][]byte
}

var _ batch.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		resolutions: make(map[uint64]*batch.Resolution),
		matches:     make(map[uint64][]MatchRecord),
	}
}

func (s *MemStore) SaveResolution(r *batch.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.resolutions[r.BatchID] = &cp
	if r.BatchID > s.latest {
		s.latest = r.BatchID
	}
	return nil
}

func (s *MemStore) LatestResolution() (*batch.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolutions[s.latest]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Resolutions returns up to limit resolutions, newest first.
func (s *MemStore) Resolutions(limit int) ([]*batch.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.resolutions))
	for id := range s.resolutions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []*batch.Resolution
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		cp := *s.resolutions[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) GetResolution(batchID uint64) (*batch.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolutions[batchID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) SaveMatch(batchID uint64, m matcher.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[batchID] = append(s.matches[batchID], NewMatchRecord(batchID, m))
	return nil
}

func (s *MemStore) MatchesForBatch(batchID uint64) ([]MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MatchRecord(nil), s.matches[batchID]...), nil
}

func (s *MemStore) AppendAttestation(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attestations = append(s.attestations, append([]byte(nil), data...))
	return uint64(len(s.attestations)), nil
}

func (s *MemStore) RecentAttestations(limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for i := len(s.attestations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.attestations[i])
	}
	return out, nil
}
