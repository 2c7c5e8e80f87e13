package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilhedge/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	hedges   map[uint64]*model.HedgeRecord
	txHashes map[uint64]string
	prices   map[string]model.PriceQuote
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hedges:   make(map[uint64]*model.HedgeRecord),
		txHashes: make(map[uint64]string),
		prices:   make(map[string]model.PriceQuote),
	}
}

func (s *MemoryStore) GetHedges(_ context.Context, activeOnly bool) ([]model.HedgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]model.HedgeRecord, 0, len(s.hedges))
	for _, rec := range s.hedges {
		if activeOnly && rec.Status != model.StatusActive {
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].HedgeID < records[j].HedgeID })
	return records, nil
}

func (s *MemoryStore) UpsertHedge(_ context.Context, rec *model.HedgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *rec
	s.hedges[rec.HedgeID] = &cp
	return nil
}

func (s *MemoryStore) GetCachedTxHashes(_ context.Context, ids []uint64) (map[uint64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint64]string)
	for _, id := range ids {
		if h, ok := s.txHashes[id]; ok {
			out[id] = h
		}
	}
	return out, nil
}

func (s *MemoryStore) WriteTxHashes(_ context.Context, pairs []model.TxHashPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pairs {
		s.txHashes[p.HedgeID] = p.TxHash
	}
	return nil
}

func (s *MemoryStore) GetCachedPrices(_ context.Context, symbols []string, maxAge time.Duration) (map[string]model.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	out := make(map[string]model.PriceQuote)
	for _, sym := range symbols {
		q, ok := s.prices[sym]
		if ok && q.FetchedAt.After(cutoff) {
			out[sym] = q
		}
	}
	return out, nil
}

func (s *MemoryStore) WritePrices(_ context.Context, quotes []model.PriceQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range quotes {
		s.prices[q.Symbol] = q
	}
	return nil
}
