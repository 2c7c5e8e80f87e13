package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilhedge/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for tx hashes and price quotes. Writes go to the primary store and
// then populate Redis; reads check Redis first and fall back to the primary.
//
// Tx hashes never change once resolved, so their Redis entries carry a long
// TTL; price entries expire on the store's quote TTL.
type CachedStore struct {
	primary  Store
	rdb      *redis.Client
	priceTTL time.Duration
}

// txHashTTL bounds Redis memory for the immutable tx-hash facts.
const txHashTTL = 24 * time.Hour

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, priceTTL time.Duration) *CachedStore {
	return &CachedStore{
		primary:  primary,
		rdb:      rdb,
		priceTTL: priceTTL,
	}
}

// --- Passthrough (hedge records are not cached; the pipeline already
// reconciles them against the ledger) ---

func (s *CachedStore) GetHedges(ctx context.Context, activeOnly bool) ([]model.HedgeRecord, error) {
	return s.primary.GetHedges(ctx, activeOnly)
}

func (s *CachedStore) UpsertHedge(ctx context.Context, rec *model.HedgeRecord) error {
	return s.primary.UpsertHedge(ctx, rec)
}

// --- Tx hash cache ---

func (s *CachedStore) GetCachedTxHashes(ctx context.Context, ids []uint64) (map[uint64]string, error) {
	out := make(map[uint64]string)
	var missing []uint64

	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = txHashKey(id)
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			// Redis down: serve everything from the primary.
			return s.primary.GetCachedTxHashes(ctx, ids)
		}
		for i, v := range vals {
			if hash, ok := v.(string); ok && hash != "" {
				out[ids[i]] = hash
			} else {
				missing = append(missing, ids[i])
			}
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	fromPrimary, err := s.primary.GetCachedTxHashes(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, hash := range fromPrimary {
		out[id] = hash
		s.rdb.Set(ctx, txHashKey(id), hash, txHashTTL)
	}
	return out, nil
}

func (s *CachedStore) WriteTxHashes(ctx context.Context, pairs []model.TxHashPair) error {
	if err := s.primary.WriteTxHashes(ctx, pairs); err != nil {
		return err
	}
	for _, p := range pairs {
		s.rdb.Set(ctx, txHashKey(p.HedgeID), p.TxHash, txHashTTL)
	}
	return nil
}

// --- Price cache ---

func (s *CachedStore) GetCachedPrices(ctx context.Context, symbols []string, maxAge time.Duration) (map[string]model.PriceQuote, error) {
	out := make(map[string]model.PriceQuote)
	var missing []string

	cutoff := time.Now().Add(-maxAge)
	for _, sym := range symbols {
		data, err := s.rdb.Get(ctx, priceKey(sym)).Bytes()
		if err != nil {
			missing = append(missing, sym)
			continue
		}
		var q model.PriceQuote
		if json.Unmarshal(data, &q) != nil || !q.FetchedAt.After(cutoff) {
			missing = append(missing, sym)
			continue
		}
		out[sym] = q
	}

	if len(missing) == 0 {
		return out, nil
	}

	fromPrimary, err := s.primary.GetCachedPrices(ctx, missing, maxAge)
	if err != nil {
		return nil, err
	}
	for sym, q := range fromPrimary {
		out[sym] = q
		s.cachePrice(ctx, q)
	}
	return out, nil
}

func (s *CachedStore) WritePrices(ctx context.Context, quotes []model.PriceQuote) error {
	if err := s.primary.WritePrices(ctx, quotes); err != nil {
		return err
	}
	for _, q := range quotes {
		s.cachePrice(ctx, q)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cachePrice(ctx context.Context, q model.PriceQuote) {
	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, priceKey(q.Symbol), data, s.priceTTL)
	}
}

func txHashKey(id uint64) string { return "txhash:" + strconv.FormatUint(id, 10) }
func priceKey(sym string) string { return fmt.Sprintf("price:%s", sym) }
