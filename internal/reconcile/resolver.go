package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilhedge/ledger-engine/internal/gateway"
	"github.com/veilhedge/ledger-engine/internal/ledger"
	"github.com/veilhedge/ledger-engine/internal/metrics"
	"github.com/veilhedge/ledger-engine/internal/model"
	"github.com/veilhedge/ledger-engine/internal/store"
)

// resolver is one tier of the tx-hash resolution chain. Given the ids still
// missing a hash, it returns the subset it could resolve. The pipeline runs
// resolvers in order, removing resolved ids from the working set after each
// stage and stopping early once the set is empty.
type resolver interface {
	Source() model.Source
	Resolve(ctx context.Context, missing []uint64) (map[uint64]string, error)
}

// --- Tier 1: persisted DB cache (cheapest) ---

type dbResolver struct {
	store store.Store
}

func (r *dbResolver) Source() model.Source { return model.SourceDB }

func (r *dbResolver) Resolve(ctx context.Context, missing []uint64) (map[uint64]string, error) {
	return r.store.GetCachedTxHashes(ctx, missing)
}

// --- Tier 2: backward event-log scan ---

// scanResolver walks the HedgeOpened log backward from the chain head in
// bounded chunks. Chunk size is constrained by the upstream provider's
// maximum block range per eth_getLogs query; the lookback horizon bounds the
// total work. Historical chunks never change once outside the re-org window,
// so their gateway cache entries carry a long TTL.
type scanResolver struct {
	gw     *gateway.Gateway
	reader ledger.Reader
	logger *slog.Logger

	chunkSize uint64
	horizon   uint64

	// reorgWindow is the depth below head past which a chunk is considered
	// immutable and cacheable long-term.
	reorgWindow uint64
}

func (r *scanResolver) Source() model.Source { return model.SourceEventScan }

func (r *scanResolver) Resolve(ctx context.Context, missing []uint64) (map[uint64]string, error) {
	head, err := r.latestBlock(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[uint64]bool, len(missing))
	for _, id := range missing {
		want[id] = true
	}

	found := make(map[uint64]string)

	floor := uint64(0)
	if head > r.horizon {
		floor = head - r.horizon
	}

	to := head
	for to >= floor && len(want) > 0 {
		from := floor
		if to >= r.chunkSize && to-r.chunkSize+1 > floor {
			from = to - r.chunkSize + 1
		}

		events, err := r.chunk(ctx, from, to, head)
		if err != nil {
			// One bad chunk degrades that range, not the whole scan.
			r.logger.Warn("event scan chunk failed",
				"from", from,
				"to", to,
				"err", err,
			)
		} else {
			for _, ev := range events {
				if want[ev.HedgeID] {
					found[ev.HedgeID] = ev.TxHash
					delete(want, ev.HedgeID)
				}
			}
		}

		if from == floor {
			break
		}
		to = from - 1
	}

	return found, nil
}

func (r *scanResolver) latestBlock(ctx context.Context) (uint64, error) {
	v, err := r.gw.Call(ctx, gateway.Task{
		Key: "ledger:latest-block",
		TTL: 5 * time.Second,
		Invoke: func(ctx context.Context) (any, error) {
			return r.reader.LatestBlock(ctx)
		},
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (r *scanResolver) chunk(ctx context.Context, from, to, head uint64) ([]ledger.OpenedEvent, error) {
	// Chunks fully below the re-org window are immutable.
	ttl := 30 * time.Second
	if head > r.reorgWindow && to < head-r.reorgWindow {
		ttl = 10 * time.Minute
	}

	v, err := r.gw.Call(ctx, gateway.Task{
		Key: fmt.Sprintf("ledger:opened-logs:%d-%d", from, to),
		TTL: ttl,
		Invoke: func(ctx context.Context) (any, error) {
			metrics.ScanChunks.Inc()
			return r.reader.OpenedEvents(ctx, from, to)
		},
	})
	if err != nil {
		return nil, err
	}
	return v.([]ledger.OpenedEvent), nil
}

// --- Tier 3: static manifest fallback ---

type manifestResolver struct {
	pairs map[uint64]string
}

func (r *manifestResolver) Source() model.Source { return model.SourceManifest }

func (r *manifestResolver) Resolve(_ context.Context, missing []uint64) (map[uint64]string, error) {
	found := make(map[uint64]string)
	for _, id := range missing {
		if hash, ok := r.pairs[id]; ok {
			found[id] = hash
		}
	}
	return found, nil
}
