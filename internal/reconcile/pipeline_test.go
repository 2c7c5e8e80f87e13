package reconcile_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilhedge/ledger-engine/internal/gateway"
	"github.com/veilhedge/ledger-engine/internal/ledger"
	"github.com/veilhedge/ledger-engine/internal/model"
	"github.com/veilhedge/ledger-engine/internal/price"
	"github.com/veilhedge/ledger-engine/internal/reconcile"
	"github.com/veilhedge/ledger-engine/internal/store"
)

const (
	ownerAddr   = "0x1111111111111111111111111111111111111111"
	relayerAddr = "0x9999999999999999999999999999999999999999"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeReader implements ledger.Reader from in-memory fixtures and counts
// event-scan traffic.
type fakeReader struct {
	head      uint64
	idsByAddr map[string][]uint64
	hedges    map[uint64]model.HedgeRecord
	events    []ledger.OpenedEvent

	scanCalls  atomic.Int64
	failAll    bool
	failIDsFor map[string]bool
}

var errDown = errors.New("connection refused")

func (f *fakeReader) LatestBlock(ctx context.Context) (uint64, error) {
	if f.failAll {
		return 0, errDown
	}
	return f.head, nil
}

func (f *fakeReader) HedgeByID(ctx context.Context, id uint64) (model.HedgeRecord, error) {
	if f.failAll {
		return model.HedgeRecord{}, errDown
	}
	rec, ok := f.hedges[id]
	if !ok {
		return model.HedgeRecord{}, errors.New("no such hedge")
	}
	return rec, nil
}

func (f *fakeReader) HedgeIDsForOwner(ctx context.Context, address string) ([]uint64, error) {
	if f.failAll || f.failIDsFor[address] {
		return nil, errDown
	}
	return f.idsByAddr[address], nil
}

func (f *fakeReader) ProtocolStats(ctx context.Context) (model.ProtocolStats, error) {
	if f.failAll {
		return model.ProtocolStats{}, errDown
	}
	return model.ProtocolStats{TotalHedges: uint64(len(f.hedges))}, nil
}

func (f *fakeReader) OpenedEvents(ctx context.Context, from, to uint64) ([]ledger.OpenedEvent, error) {
	f.scanCalls.Add(1)
	if f.failAll {
		return nil, errDown
	}
	var out []ledger.OpenedEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fakeFeed counts batched requests.
type fakeFeed struct {
	prices   map[string]decimal.Decimal
	err      error
	requests atomic.Int64
}

func (f *fakeFeed) AskPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.requests.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, sym := range symbols {
		if v, ok := f.prices[sym]; ok {
			out[sym] = v
		}
	}
	return out, nil
}

func activeHedge(id uint64, asset string, side string, collateral, leverage, entry float64) model.HedgeRecord {
	return model.HedgeRecord{
		HedgeID:        id,
		TraderOrProxy:  ownerAddr,
		Asset:          asset,
		Side:           side,
		Collateral:     d(collateral),
		Leverage:       d(leverage),
		Status:         model.StatusActive,
		OpenedAt:       time.Now().UTC().Add(-time.Hour),
		CommitmentHash: "0xc0ffee",
		Nullifier:      "0xnull",
		EntryPrice:     d(entry),
	}
}

type env struct {
	pipeline *reconcile.Pipeline
	reader   *fakeReader
	feed     *fakeFeed
	store    *store.MemoryStore
}

func newEnv(t *testing.T, reader *fakeReader, feed *fakeFeed, manifestPairs map[uint64]string) *env {
	t.Helper()
	if feed == nil {
		feed = &fakeFeed{err: price.ErrFeedUnavailable}
	}
	if manifestPairs == nil {
		manifestPairs = map[uint64]string{}
	}

	ms := store.NewMemoryStore()
	gw := gateway.New(gateway.Config{
		Concurrency: 3,
		MaxRetries:  0,
		BaseBackoff: time.Millisecond,
	}, nil)

	cfg := reconcile.Config{
		RelayerAddress: relayerAddr,
		ScanChunkSize:  100,
		ScanHorizon:    1000,
	}
	p := reconcile.New(cfg, gw, reader, ms, feed, manifestPairs, nil)
	return &env{pipeline: p, reader: reader, feed: feed, store: ms}
}

func TestHedgesForOwner_ResolvesFromEventScanAndWritesBack(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1, 2}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
			2: activeHedge(2, "BTC", model.SideShort, 500, 2, 60000),
		},
		events: []ledger.OpenedEvent{
			{HedgeID: 1, TxHash: "0xaaa", BlockNumber: 900},
			{HedgeID: 2, TxHash: "0xbbb", BlockNumber: 450},
		},
	}
	e := newEnv(t, reader, nil, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	for _, rec := range records {
		if rec.TxHash == "" {
			t.Errorf("hedge %d left unresolved", rec.HedgeID)
		}
		if rec.TxHashSource != model.SourceEventScan {
			t.Errorf("hedge %d source = %s, want event-scan", rec.HedgeID, rec.TxHashSource)
		}
	}

	// Newly discovered pairs land in the persisted cache.
	e.pipeline.Drain()
	cached, err := e.store.GetCachedTxHashes(context.Background(), []uint64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if cached[1] != "0xaaa" || cached[2] != "0xbbb" {
		t.Errorf("writeback incomplete: %v", cached)
	}
}

func TestHedgesForOwner_SecondRunSkipsEventScan(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
		},
		events: []ledger.OpenedEvent{
			{HedgeID: 1, TxHash: "0xaaa", BlockNumber: 990},
		},
	}
	e := newEnv(t, reader, nil, nil)

	if _, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr); err != nil {
		t.Fatal(err)
	}
	e.pipeline.Drain()

	firstRunScans := e.reader.scanCalls.Load()
	if firstRunScans == 0 {
		t.Fatal("expected first run to scan the event log")
	}

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	if n := e.reader.scanCalls.Load(); n != firstRunScans {
		t.Errorf("second run issued %d extra scan calls, want 0", n-firstRunScans)
	}
	if records[0].TxHashSource != model.SourceDB {
		t.Errorf("second run source = %s, want db", records[0].TxHashSource)
	}
}

func TestHedgesForOwner_ManifestTierAndNeverDrop(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1, 2}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
			2: activeHedge(2, "BTC", model.SideShort, 500, 2, 60000),
		},
		// No on-chain events inside the horizon.
	}
	e := newEnv(t, reader, nil, map[uint64]string{1: "0xseeded"})

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("unresolved hedge was dropped: got %d records, want 2", len(records))
	}

	byID := make(map[uint64]model.HedgeRecord)
	for _, rec := range records {
		byID[rec.HedgeID] = rec
	}

	if byID[1].TxHash != "0xseeded" || byID[1].TxHashSource != model.SourceManifest {
		t.Errorf("hedge 1 should resolve from manifest, got %q (%s)", byID[1].TxHash, byID[1].TxHashSource)
	}
	if byID[2].TxHash != "" {
		t.Errorf("hedge 2 should stay unresolved, got %q", byID[2].TxHash)
	}
}

func TestHedgesForOwner_MergesRelayerIDs(t *testing.T) {
	reader := &fakeReader{
		head: 1000,
		idsByAddr: map[string][]uint64{
			ownerAddr:   {1, 2},
			relayerAddr: {2, 3},
		},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
			2: activeHedge(2, "ETH", model.SideLong, 1000, 5, 3000),
			3: activeHedge(3, "ETH", model.SideLong, 1000, 5, 3000),
		},
	}
	e := newEnv(t, reader, nil, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (owner ∪ relayer, deduplicated)", len(records))
	}
	for i, want := range []uint64{1, 2, 3} {
		if records[i].HedgeID != want {
			t.Errorf("records[%d].HedgeID = %d, want %d", i, records[i].HedgeID, want)
		}
	}
}

func TestHedgesForOwner_RelayerIDFailureDegrades(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
		},
		failIDsFor: map[string]bool{relayerAddr: true},
	}
	e := newEnv(t, reader, nil, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatalf("relayer id failure must degrade to owner ids, got %v", err)
	}
	if len(records) != 1 || records[0].HedgeID != 1 {
		t.Errorf("expected the owner's hedge, got %+v", records)
	}
}

func TestHedgesForOwner_OwnerIDFailureIsFatal(t *testing.T) {
	reader := &fakeReader{
		head:       1000,
		idsByAddr:  map[string][]uint64{relayerAddr: {2}},
		hedges:     map[uint64]model.HedgeRecord{2: activeHedge(2, "ETH", model.SideLong, 1000, 5, 3000)},
		failIDsFor: map[string]bool{ownerAddr: true},
	}
	e := newEnv(t, reader, nil, nil)

	_, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)

	var unreachable *reconcile.LedgerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("losing the owner's id list must be fatal, got %v", err)
	}
}

func TestHedgesForOwner_LivePricingAndPnl(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1, 2}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 100),
			2: activeHedge(2, "ETH", model.SideShort, 1000, 5, 100),
		},
	}
	feed := &fakeFeed{prices: map[string]decimal.Decimal{"ETH": d(110)}}
	e := newEnv(t, reader, feed, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	if n := feed.requests.Load(); n != 1 {
		t.Errorf("expected exactly one batched price request, got %d", n)
	}

	byID := make(map[uint64]model.HedgeRecord)
	for _, rec := range records {
		byID[rec.HedgeID] = rec
	}

	// collateral=1000, leverage=5, 100 → 110: positionSize=5000, change=0.10.
	if !byID[1].UnrealizedPnl.Equal(d(500)) {
		t.Errorf("LONG pnl = %s, want 500", byID[1].UnrealizedPnl)
	}
	if !byID[2].UnrealizedPnl.Equal(d(-500)) {
		t.Errorf("SHORT pnl = %s, want -500", byID[2].UnrealizedPnl)
	}
	if byID[1].PriceSource != model.SourceLiveFeed {
		t.Errorf("price source = %s, want live-feed", byID[1].PriceSource)
	}
}

func TestHedgesForOwner_PriceFeedFallback(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
		},
	}
	feed := &fakeFeed{err: price.ErrFeedUnavailable}
	e := newEnv(t, reader, feed, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatalf("feed failure must not fail the pipeline: %v", err)
	}

	rec := records[0]
	if rec.PriceSource != model.SourceFallbackStatic {
		t.Errorf("price source = %s, want fallback-static", rec.PriceSource)
	}
	static := price.StaticPrices()["ETH"]
	if !rec.CurrentPrice.Equal(static) {
		t.Errorf("current price = %s, want static %s", rec.CurrentPrice, static)
	}
}

func TestHedgesForOwner_CachedPriceSurvivesFeedFailure(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1, 2}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
			2: activeHedge(2, "BTC", model.SideShort, 500, 2, 60000),
		},
	}
	feed := &fakeFeed{err: price.ErrFeedUnavailable}
	e := newEnv(t, reader, feed, nil)

	// ETH has a fresh cached quote; BTC has to go through the (dead) feed.
	err := e.store.WritePrices(context.Background(), []model.PriceQuote{
		{Symbol: "ETH", AskPrice: d(3100), FetchedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatal(err)
	}

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[uint64]model.HedgeRecord)
	for _, rec := range records {
		byID[rec.HedgeID] = rec
	}

	if !byID[1].CurrentPrice.Equal(d(3100)) {
		t.Errorf("ETH price = %s, want cached 3100", byID[1].CurrentPrice)
	}
	if byID[1].PriceSource != model.SourceDB {
		t.Errorf("cached quote source = %s, want db", byID[1].PriceSource)
	}

	static := price.StaticPrices()["BTC"]
	if !byID[2].CurrentPrice.Equal(static) {
		t.Errorf("BTC price = %s, want static %s", byID[2].CurrentPrice, static)
	}
	if byID[2].PriceSource != model.SourceFallbackStatic {
		t.Errorf("fallback quote source = %s, want fallback-static", byID[2].PriceSource)
	}
}

func TestHedgesForOwner_ClosedHedgeSkipsLiveLookup(t *testing.T) {
	closed := activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000)
	closed.Status = model.StatusClosed

	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1}},
		hedges:    map[uint64]model.HedgeRecord{1: closed},
	}
	feed := &fakeFeed{prices: map[string]decimal.Decimal{"ETH": d(9999)}}
	e := newEnv(t, reader, feed, nil)

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	if n := feed.requests.Load(); n != 0 {
		t.Errorf("closed hedges must not trigger price requests, got %d", n)
	}
	if !records[0].CurrentPrice.Equal(d(3000)) {
		t.Errorf("closed hedge should mark to entry price, got %s", records[0].CurrentPrice)
	}
	if !records[0].UnrealizedPnl.IsZero() {
		t.Errorf("closed hedge pnl = %s, want 0", records[0].UnrealizedPnl)
	}
}

func TestHedgesForOwner_LedgerUnreachable(t *testing.T) {
	reader := &fakeReader{failAll: true}
	e := newEnv(t, reader, nil, nil)

	_, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)

	var unreachable *reconcile.LedgerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected LedgerUnreachableError, got %v", err)
	}
}

func TestApplyConfirmation_BecomesVisibleToNextPass(t *testing.T) {
	reader := &fakeReader{
		head:      1000,
		idsByAddr: map[string][]uint64{ownerAddr: {1}},
		hedges: map[uint64]model.HedgeRecord{
			1: activeHedge(1, "ETH", model.SideLong, 1000, 5, 3000),
		},
	}
	e := newEnv(t, reader, nil, nil)

	e.pipeline.ApplyConfirmation(model.Confirmation{
		HedgeID: 1,
		TxHash:  "0xconfirmed",
	})
	e.pipeline.Drain()

	records, err := e.pipeline.HedgesForOwner(context.Background(), ownerAddr)
	if err != nil {
		t.Fatal(err)
	}

	if records[0].TxHash != "0xconfirmed" {
		t.Errorf("tx hash = %q, want relay-confirmed hash", records[0].TxHash)
	}
	if records[0].TxHashSource != model.SourceDB {
		t.Errorf("source = %s, want db (writeback candidate)", records[0].TxHashSource)
	}
	if n := e.reader.scanCalls.Load(); n != 0 {
		t.Errorf("confirmed hash should pre-empt scanning, got %d scan calls", n)
	}
}

func TestUnrealizedPnl(t *testing.T) {
	tests := []struct {
		name    string
		side    string
		current float64
		want    float64
	}{
		{"long gain", model.SideLong, 110, 500},
		{"long loss", model.SideLong, 90, -500},
		{"short gain", model.SideShort, 90, 500},
		{"short loss", model.SideShort, 110, -500},
		{"flat", model.SideLong, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconcile.UnrealizedPnl(tt.side, d(1000), d(5), d(100), d(tt.current))
			if !got.Equal(d(tt.want)) {
				t.Errorf("pnl = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestUnrealizedPnl_ZeroEntryPrice(t *testing.T) {
	got := reconcile.UnrealizedPnl(model.SideLong, d(1000), d(5), d(0), d(100))
	if !got.IsZero() {
		t.Errorf("zero entry price must not divide, got %s", got)
	}
}

func TestStats(t *testing.T) {
	reader := &fakeReader{
		head:   1000,
		hedges: map[uint64]model.HedgeRecord{1: {}, 2: {}},
	}
	e := newEnv(t, reader, nil, nil)

	stats, err := e.pipeline.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalHedges != 2 {
		t.Errorf("total hedges = %d, want 2", stats.TotalHedges)
	}
}
