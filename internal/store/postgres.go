package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/veilhedge/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const hedgeColumns = `hedge_id, trader_or_proxy, asset, side,
        collateral::TEXT, leverage::TEXT, status, opened_at, closed_at,
        COALESCE(tx_hash, ''), commitment_hash, nullifier,
        entry_price::TEXT, current_price::TEXT, unrealized_pnl::TEXT`

func (s *PostgresStore) GetHedges(ctx context.Context, activeOnly bool) ([]model.HedgeRecord, error) {
	query := `SELECT ` + hedgeColumns + ` FROM hedges`
	if activeOnly {
		query += ` WHERE status = 'ACTIVE'`
	}
	query += ` ORDER BY hedge_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.HedgeRecord
	for rows.Next() {
		var rec model.HedgeRecord
		var collateral, leverage, entry, current, pnl string

		if err := rows.Scan(&rec.HedgeID, &rec.TraderOrProxy, &rec.Asset, &rec.Side,
			&collateral, &leverage, &rec.Status, &rec.OpenedAt, &rec.ClosedAt,
			&rec.TxHash, &rec.CommitmentHash, &rec.Nullifier,
			&entry, &current, &pnl); err != nil {
			return nil, err
		}

		rec.Collateral, _ = decimal.NewFromString(collateral)
		rec.Leverage, _ = decimal.NewFromString(leverage)
		rec.EntryPrice, _ = decimal.NewFromString(entry)
		rec.CurrentPrice, _ = decimal.NewFromString(current)
		rec.UnrealizedPnl, _ = decimal.NewFromString(pnl)

		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpsertHedge(ctx context.Context, rec *model.HedgeRecord) error {
	var txHash *string
	if rec.TxHash != "" {
		txHash = &rec.TxHash
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedges (hedge_id, trader_or_proxy, asset, side, collateral, leverage,
		                     status, opened_at, closed_at, tx_hash, commitment_hash, nullifier,
		                     entry_price, current_price, unrealized_pnl)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12,
		         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC)
		 ON CONFLICT (hedge_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     closed_at = EXCLUDED.closed_at,
		     tx_hash = COALESCE(hedges.tx_hash, EXCLUDED.tx_hash),
		     current_price = EXCLUDED.current_price,
		     unrealized_pnl = EXCLUDED.unrealized_pnl`,
		rec.HedgeID, rec.TraderOrProxy, rec.Asset, rec.Side,
		rec.Collateral.String(), rec.Leverage.String(),
		rec.Status, rec.OpenedAt, rec.ClosedAt, txHash,
		rec.CommitmentHash, rec.Nullifier,
		rec.EntryPrice.String(), rec.CurrentPrice.String(), rec.UnrealizedPnl.String(),
	)
	return err
}

func (s *PostgresStore) GetCachedTxHashes(ctx context.Context, ids []uint64) (map[uint64]string, error) {
	if len(ids) == 0 {
		return map[uint64]string{}, nil
	}

	// pgx encodes []int8 natively; hedge ids fit comfortably in int64.
	int64IDs := make([]int64, len(ids))
	for i, id := range ids {
		int64IDs[i] = int64(id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT hedge_id, tx_hash FROM hedge_tx_hashes WHERE hedge_id = ANY($1)`,
		int64IDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[uint64(id)] = hash
	}
	return out, rows.Err()
}

func (s *PostgresStore) WriteTxHashes(ctx context.Context, pairs []model.TxHashPair) error {
	for _, p := range pairs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO hedge_tx_hashes (hedge_id, tx_hash, resolved_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (hedge_id) DO NOTHING`,
			int64(p.HedgeID), p.TxHash)
		if err != nil {
			return fmt.Errorf("write tx hash for hedge %d: %w", p.HedgeID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCachedPrices(ctx context.Context, symbols []string, maxAge time.Duration) (map[string]model.PriceQuote, error) {
	if len(symbols) == 0 {
		return map[string]model.PriceQuote{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, ask_price::TEXT, fetched_at
		 FROM price_cache
		 WHERE symbol = ANY($1) AND fetched_at > NOW() - $2::INTERVAL`,
		symbols, maxAge.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.PriceQuote)
	for rows.Next() {
		var q model.PriceQuote
		var ask string
		if err := rows.Scan(&q.Symbol, &ask, &q.FetchedAt); err != nil {
			return nil, err
		}
		q.AskPrice, _ = decimal.NewFromString(ask)
		out[q.Symbol] = q
	}
	return out, rows.Err()
}

func (s *PostgresStore) WritePrices(ctx context.Context, quotes []model.PriceQuote) error {
	for _, q := range quotes {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO price_cache (symbol, ask_price, fetched_at)
			 VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (symbol) DO UPDATE SET
			     ask_price = EXCLUDED.ask_price,
			     fetched_at = EXCLUDED.fetched_at`,
			q.Symbol, q.AskPrice.String(), q.FetchedAt)
		if err != nil {
			return fmt.Errorf("write price for %s: %w", q.Symbol, err)
		}
	}
	return nil
}
