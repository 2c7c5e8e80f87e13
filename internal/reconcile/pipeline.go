// Package reconcile produces one consistent, deduplicated view of an owner's
// hedge positions by merging the persisted cache, the ledger event log, and
// the static fallback manifest, then enriching active positions with live or
// fallback pricing.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilhedge/ledger-engine/internal/gateway"
	"github.com/veilhedge/ledger-engine/internal/ledger"
	"github.com/veilhedge/ledger-engine/internal/metrics"
	"github.com/veilhedge/ledger-engine/internal/model"
	"github.com/veilhedge/ledger-engine/internal/price"
	"github.com/veilhedge/ledger-engine/internal/store"
)

// LedgerUnreachableError is the only fatal failure of a reconciliation pass:
// the primary contract read surface could not be reached at all. Everything
// per-item degrades instead.
type LedgerUnreachableError struct {
	Cause error
}

func (e *LedgerUnreachableError) Error() string {
	return fmt.Sprintf("reconcile: ledger unreachable: %v", e.Cause)
}

func (e *LedgerUnreachableError) Unwrap() error { return e.Cause }

// Config holds pipeline tuning knobs.
type Config struct {
	// RelayerAddress is the auxiliary privacy-relayer identity whose hedge
	// ids are merged with the owner's (the relayer executes on-chain on
	// behalf of many owners). Empty disables the merge.
	RelayerAddress string

	ScanChunkSize uint64        // max block range per eth_getLogs (default: 5000)
	ScanHorizon   uint64        // backward scan bound in blocks (default: 50000)
	ReorgWindow   uint64        // depth below head after which chunks are immutable (default: 64)
	IDListTTL     time.Duration // gateway TTL for hedge-id lists (default: 30s)
	RecordTTL     time.Duration // gateway TTL for hedge records (default: 15s)
	PriceMaxAge   time.Duration // accepted staleness for cached quotes (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanChunkSize: 5000,
		ScanHorizon:   50000,
		ReorgWindow:   64,
		IDListTTL:     30 * time.Second,
		RecordTTL:     15 * time.Second,
		PriceMaxAge:   30 * time.Second,
	}
}

// Pipeline reconciles hedge records for owners. Construct once and share;
// all mutable state lives in the injected gateway and store.
type Pipeline struct {
	cfg       Config
	gw        *gateway.Gateway
	reader    ledger.Reader
	store     store.Store
	feed      price.Feed
	resolvers []resolver
	logger    *slog.Logger

	// wb tracks detached writeback goroutines so shutdown can drain them.
	wb sync.WaitGroup
}

// New creates a Pipeline. manifestPairs come from manifest.Load; pass an
// empty map when no manifest is deployed.
func New(cfg Config, gw *gateway.Gateway, reader ledger.Reader, st store.Store, feed price.Feed, manifestPairs map[uint64]string, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.ScanChunkSize == 0 {
		cfg.ScanChunkSize = def.ScanChunkSize
	}
	if cfg.ScanHorizon == 0 {
		cfg.ScanHorizon = def.ScanHorizon
	}
	if cfg.ReorgWindow == 0 {
		cfg.ReorgWindow = def.ReorgWindow
	}
	if cfg.IDListTTL <= 0 {
		cfg.IDListTTL = def.IDListTTL
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = def.PriceMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:    cfg,
		gw:     gw,
		reader: reader,
		store:  st,
		feed:   feed,
		logger: logger,
	}

	// Resolution tiers in cost order: DB cache, event-log scan, manifest.
	p.resolvers = []resolver{
		&dbResolver{store: st},
		&scanResolver{
			gw:          gw,
			reader:      reader,
			logger:      logger,
			chunkSize:   cfg.ScanChunkSize,
			horizon:     cfg.ScanHorizon,
			reorgWindow: cfg.ReorgWindow,
		},
		&manifestResolver{pairs: manifestPairs},
	}

	return p
}

// HedgesForOwner returns the reconciled record set for one owner: the union
// of ids attributed to the owner and to the configured relayer, each record
// with its tx hash resolved through the tier chain and active records
// enriched with pricing. Ids unresolved by every tier are returned with an
// empty TxHash, never dropped.
func (p *Pipeline) HedgesForOwner(ctx context.Context, owner string) ([]model.HedgeRecord, error) {
	ids, err := p.discoverIDs(ctx, owner)
	if err != nil {
		return nil, &LedgerUnreachableError{Cause: err}
	}
	if len(ids) == 0 {
		return []model.HedgeRecord{}, nil
	}

	records, err := p.fetchRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	discovered := p.resolveTxHashes(ctx, records)
	p.enrichPrices(ctx, records)

	// Persist newly discovered hashes and refreshed records off the read
	// path. Failures are logged and swallowed.
	p.writeback(discovered, records)

	out := make([]model.HedgeRecord, len(records))
	for i, rec := range records {
		out[i] = *rec
	}
	return out, nil
}

// Stats reads the contract's aggregate counters through the gateway.
func (p *Pipeline) Stats(ctx context.Context) (model.ProtocolStats, error) {
	v, err := p.gw.Call(ctx, gateway.Task{
		Key: "ledger:protocol-stats",
		TTL: 30 * time.Second,
		Invoke: func(ctx context.Context) (any, error) {
			return p.reader.ProtocolStats(ctx)
		},
	})
	if err != nil {
		return model.ProtocolStats{}, &LedgerUnreachableError{Cause: err}
	}
	return v.(model.ProtocolStats), nil
}

// ApplyConfirmation records a settlement relay confirmation as a writeback
// candidate and evicts the stale record from the gateway cache so the next
// reconciliation pass re-reads it.
func (p *Pipeline) ApplyConfirmation(conf model.Confirmation) {
	p.writeback([]model.TxHashPair{{HedgeID: conf.HedgeID, TxHash: conf.TxHash}}, nil)
	p.gw.Invalidate(recordKey(conf.HedgeID))
}

// Drain waits for in-flight cache writebacks. Called during shutdown and by
// tests that assert on writeback effects.
func (p *Pipeline) Drain() {
	p.wb.Wait()
}

// --- id discovery ---

// discoverIDs unions the owner's ids with the relayer's, deduplicated and
// sorted. Only losing the owner's list is fatal; a relayer miss degrades to
// owner-attributed ids.
func (p *Pipeline) discoverIDs(ctx context.Context, owner string) ([]uint64, error) {
	addresses := []string{owner}
	if p.cfg.RelayerAddress != "" && p.cfg.RelayerAddress != owner {
		addresses = append(addresses, p.cfg.RelayerAddress)
	}

	tasks := make([]gateway.Task, len(addresses))
	for i, addr := range addresses {
		tasks[i] = gateway.Task{
			Key: "ledger:hedge-ids:" + addr,
			TTL: p.cfg.IDListTTL,
			Invoke: func(ctx context.Context) (any, error) {
				return p.reader.HedgeIDsForOwner(ctx, addr)
			},
		}
	}

	results, err := p.gw.CallAll(ctx, tasks)
	if results[0] == nil {
		// Without the owner's list there is nothing to reconcile against.
		return nil, err
	}
	if err != nil {
		p.logger.Warn("relayer hedge-id read failed, using owner ids only",
			"relayer", p.cfg.RelayerAddress,
			"err", err,
		)
	}

	seen := make(map[uint64]bool)
	var ids []uint64
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, id := range r.([]uint64) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- record fetch ---

func (p *Pipeline) fetchRecords(ctx context.Context, ids []uint64) ([]*model.HedgeRecord, error) {
	tasks := make([]gateway.Task, len(ids))
	for i, id := range ids {
		tasks[i] = gateway.Task{
			Key: recordKey(id),
			TTL: p.cfg.RecordTTL,
			Invoke: func(ctx context.Context) (any, error) {
				rec, err := p.reader.HedgeByID(ctx, id)
				if err != nil {
					return nil, err
				}
				return rec, nil
			},
		}
	}

	results, callErr := p.gw.CallAll(ctx, tasks)

	var records []*model.HedgeRecord
	for i, r := range results {
		if r == nil {
			p.logger.Warn("hedge record fetch failed", "hedge_id", ids[i])
			continue
		}
		rec := r.(model.HedgeRecord)
		records = append(records, &rec)
	}

	// Per-item failures degrade; losing every record is fatal.
	if len(records) == 0 && callErr != nil {
		return nil, &LedgerUnreachableError{Cause: callErr}
	}
	return records, nil
}

// --- tx hash resolution ---

// resolveTxHashes runs the resolver chain over the records missing a hash
// and returns the pairs discovered beyond the DB tier (the writeback set).
func (p *Pipeline) resolveTxHashes(ctx context.Context, records []*model.HedgeRecord) []model.TxHashPair {
	byID := make(map[uint64]*model.HedgeRecord, len(records))
	var missing []uint64
	for _, rec := range records {
		if rec.TxHash == "" {
			byID[rec.HedgeID] = rec
			missing = append(missing, rec.HedgeID)
		}
	}

	var discovered []model.TxHashPair

	for _, r := range p.resolvers {
		if len(missing) == 0 {
			break
		}

		found, err := r.Resolve(ctx, missing)
		if err != nil {
			p.logger.Warn("resolution tier failed",
				"source", string(r.Source()),
				"missing", len(missing),
				"err", err,
			)
			continue
		}

		var still []uint64
		for _, id := range missing {
			hash, ok := found[id]
			if !ok {
				still = append(still, id)
				continue
			}
			rec := byID[id]
			rec.TxHash = hash
			rec.TxHashSource = r.Source()
			metrics.ResolvedTxHashes.WithLabelValues(string(r.Source())).Inc()
			if r.Source() != model.SourceDB {
				discovered = append(discovered, model.TxHashPair{HedgeID: id, TxHash: hash})
			}
		}
		missing = still
	}

	for _, id := range missing {
		metrics.UnresolvedTxHashes.Inc()
		p.logger.Info("hedge tx hash unresolved by all tiers", "hedge_id", id)
	}

	return discovered
}

// --- price enrichment ---

// enrichPrices fills CurrentPrice and UnrealizedPnl for ACTIVE records using
// at most one batched feed request, degrading to static reference prices if
// the feed fails entirely. Non-active records keep their stored entry price.
func (p *Pipeline) enrichPrices(ctx context.Context, records []*model.HedgeRecord) {
	symbolSet := make(map[string]bool)
	for _, rec := range records {
		if rec.Status == model.StatusActive {
			symbolSet[rec.Asset] = true
		}
	}

	if len(symbolSet) == 0 {
		for _, rec := range records {
			rec.CurrentPrice = rec.EntryPrice
			rec.UnrealizedPnl = decimal.Zero
		}
		return
	}

	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	prices, sources := p.currentPrices(ctx, symbols)

	for _, rec := range records {
		if rec.Status != model.StatusActive {
			rec.CurrentPrice = rec.EntryPrice
			rec.UnrealizedPnl = decimal.Zero
			continue
		}

		current, ok := prices[rec.Asset]
		if !ok {
			// Unknown even to the static table: mark to entry.
			rec.CurrentPrice = rec.EntryPrice
			rec.UnrealizedPnl = decimal.Zero
			rec.PriceSource = model.SourceFallbackStatic
			continue
		}

		rec.CurrentPrice = current
		rec.PriceSource = sources[rec.Asset]
		rec.UnrealizedPnl = UnrealizedPnl(rec.Side, rec.Collateral, rec.Leverage, rec.EntryPrice, current)
	}
}

// currentPrices returns a quote and a source tag per symbol. Cached quotes
// within PriceMaxAge are honored first and keep their cache tag; the
// remainder comes from one batched feed request; total feed failure falls
// back to the static reference table for the symbols that missed the cache.
func (p *Pipeline) currentPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]model.Source) {
	out := make(map[string]decimal.Decimal, len(symbols))
	sources := make(map[string]model.Source, len(symbols))

	cached, err := p.store.GetCachedPrices(ctx, symbols, p.cfg.PriceMaxAge)
	if err != nil {
		p.logger.Warn("price cache read failed", "err", err)
		cached = map[string]model.PriceQuote{}
	}
	var missing []string
	for _, sym := range symbols {
		if q, ok := cached[sym]; ok {
			out[sym] = q.AskPrice
			sources[sym] = model.SourceDB
		} else {
			missing = append(missing, sym)
		}
	}

	if len(missing) == 0 {
		return out, sources
	}

	fresh, err := p.feed.AskPrices(ctx, missing)
	if err != nil {
		metrics.PriceFallbacks.Inc()
		p.logger.Warn("price feed unavailable, using static reference prices", "err", err)
		static := price.StaticPrices()
		for _, sym := range missing {
			if v, ok := static[sym]; ok {
				out[sym] = v
				sources[sym] = model.SourceFallbackStatic
			}
		}
		return out, sources
	}

	now := time.Now().UTC()
	quotes := make([]model.PriceQuote, 0, len(fresh))
	for sym, v := range fresh {
		out[sym] = v
		sources[sym] = model.SourceLiveFeed
		quotes = append(quotes, model.PriceQuote{Symbol: sym, AskPrice: v, FetchedAt: now})
	}
	p.writebackPrices(quotes)

	return out, sources
}

// UnrealizedPnl computes mark-to-market PnL for a position:
//
//	positionSize = collateral * leverage
//	priceChange  = (current - entry) / entry
//	pnl          = positionSize * priceChange        (LONG)
//	pnl          = positionSize * (-priceChange)     (SHORT)
func UnrealizedPnl(side string, collateral, leverage, entry, current decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	positionSize := collateral.Mul(leverage)
	priceChange := current.Sub(entry).Div(entry)
	if side == model.SideShort {
		priceChange = priceChange.Neg()
	}
	return positionSize.Mul(priceChange)
}

// --- writeback ---

// writeback persists discovered tx hashes and refreshed records as a
// detached task. Errors are logged, never retried, and never block or fail
// the read path.
func (p *Pipeline) writeback(pairs []model.TxHashPair, records []*model.HedgeRecord) {
	if len(pairs) == 0 && len(records) == 0 {
		return
	}

	snapshot := make([]model.HedgeRecord, 0, len(records))
	for _, rec := range records {
		snapshot = append(snapshot, *rec)
	}

	p.wb.Add(1)
	go func() {
		defer p.wb.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if len(pairs) > 0 {
			if err := p.store.WriteTxHashes(ctx, pairs); err != nil {
				metrics.WritebackErrors.Inc()
				p.logger.Warn("tx hash writeback failed", "pairs", len(pairs), "err", err)
			}
		}
		for i := range snapshot {
			if err := p.store.UpsertHedge(ctx, &snapshot[i]); err != nil {
				metrics.WritebackErrors.Inc()
				p.logger.Warn("hedge record writeback failed",
					"hedge_id", snapshot[i].HedgeID,
					"err", err,
				)
			}
		}
	}()
}

func (p *Pipeline) writebackPrices(quotes []model.PriceQuote) {
	if len(quotes) == 0 {
		return
	}
	p.wb.Add(1)
	go func() {
		defer p.wb.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.WritePrices(ctx, quotes); err != nil {
			metrics.WritebackErrors.Inc()
			p.logger.Warn("price writeback failed", "quotes", len(quotes), "err", err)
		}
	}()
}

func recordKey(id uint64) string {
	return "ledger:hedge:" + strconv.FormatUint(id, 10)
}
