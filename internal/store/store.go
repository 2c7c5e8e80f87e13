// Package store defines the persistence collaborator for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Tx hash writes record an immutable fact — a resolved hash for a hedge id
// never changes — so concurrent writers are tolerated with last-write-wins.
package store

import (
	"context"
	"time"

	"github.com/veilhedge/ledger-engine/internal/model"
)

// Store is the persistence interface consumed by the reconciliation pipeline.
type Store interface {
	// --- Hedge records ---

	// GetHedges returns persisted hedge records, optionally only ACTIVE ones.
	GetHedges(ctx context.Context, activeOnly bool) ([]model.HedgeRecord, error)

	// UpsertHedge inserts or updates a hedge record keyed by hedge id.
	UpsertHedge(ctx context.Context, rec *model.HedgeRecord) error

	// --- Tx hash cache ---

	// GetCachedTxHashes returns the known {id, txHash} pairs among ids.
	GetCachedTxHashes(ctx context.Context, ids []uint64) (map[uint64]string, error)

	// WriteTxHashes persists newly resolved pairs.
	WriteTxHashes(ctx context.Context, pairs []model.TxHashPair) error

	// --- Price cache ---

	// GetCachedPrices returns quotes for symbols no older than maxAge.
	GetCachedPrices(ctx context.Context, symbols []string, maxAge time.Duration) (map[string]model.PriceQuote, error)

	// WritePrices persists fresh quotes.
	WritePrices(ctx context.Context, quotes []model.PriceQuote) error
}
