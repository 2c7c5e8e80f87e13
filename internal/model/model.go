// Package model defines the core domain types shared across the ledger engine.
// All prices, collateral, and PnL values use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Hedge position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Hedge lifecycle statuses. A hedge is created when its opening transaction
// is observed and is never deleted, only transitioned through Status.
const (
	StatusPending    = "PENDING"
	StatusActive     = "ACTIVE"
	StatusClosed     = "CLOSED"
	StatusLiquidated = "LIQUIDATED"
	StatusCancelled  = "CANCELLED"
)

// Source tags how a field was obtained during reconciliation. Observability
// only; correctness never depends on the tag.
type Source string

const (
	SourceDB             Source = "db"
	SourceEventScan      Source = "event-scan"
	SourceManifest       Source = "manifest"
	SourceLiveFeed       Source = "live-feed"
	SourceFallbackStatic Source = "fallback-static"
)

// HedgeRecord is one reconciled hedge position as read from the ledger.
// HedgeID is assigned by the ledger contract and is globally unique and
// immutable. TxHash may be empty (unresolved) but once resolved it never
// changes.
type HedgeRecord struct {
	HedgeID        uint64          `json:"hedge_id" db:"hedge_id"`
	TraderOrProxy  string          `json:"trader_or_proxy" db:"trader_or_proxy"`
	Asset          string          `json:"asset" db:"asset"`
	Side           string          `json:"side" db:"side"` // LONG or SHORT
	Collateral     decimal.Decimal `json:"collateral" db:"collateral"`
	Leverage       decimal.Decimal `json:"leverage" db:"leverage"`
	Status         string          `json:"status" db:"status"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	TxHash         string          `json:"tx_hash,omitempty" db:"tx_hash"` // empty = unresolved
	CommitmentHash string          `json:"commitment_hash" db:"commitment_hash"`
	Nullifier      string          `json:"nullifier" db:"nullifier"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`

	// TxHashSource and PriceSource record which reconciliation tier supplied
	// the field. Not persisted.
	TxHashSource Source `json:"tx_hash_source,omitempty" db:"-"`
	PriceSource  Source `json:"price_source,omitempty" db:"-"`
}

// ProxyIdentity is a deterministic no-private-key address derived from an
// owner identity. It is a correlation handle, not a spendable account;
// HasNoPrivateKey is always true. Never persisted as "the" identity — only
// the resulting hashes land in HedgeRecord.
type ProxyIdentity struct {
	OwnerAddress    string `json:"owner_address"`
	Nonce           uint64 `json:"nonce"`
	BindingHash     string `json:"binding_hash"`
	ProxyAddress    string `json:"proxy_address"`
	HasNoPrivateKey bool   `json:"has_no_private_key"`
}

// Commitment binds an off-chain owner context to an on-chain record.
// Derivable only by someone holding the original owner context and timestamp;
// the nullifier is unique per hedge to block reuse.
type Commitment struct {
	CommitmentHash string `json:"commitment_hash"`
	Nullifier      string `json:"nullifier"`
	MerkleRoot     string `json:"merkle_root"`
}

// TxHashPair is a resolved {hedgeId, txHash} fact. Immutable once written;
// concurrent writers always write the same value, so last-write-wins is safe.
type TxHashPair struct {
	HedgeID uint64 `json:"hedge_id" db:"hedge_id"`
	TxHash  string `json:"tx_hash" db:"tx_hash"`
}

// PriceQuote is one cached ask price for an instrument symbol.
type PriceQuote struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	AskPrice  decimal.Decimal `json:"ask_price" db:"ask_price"`
	FetchedAt time.Time       `json:"fetched_at" db:"fetched_at"`
}

// ProtocolStats are the aggregate counters exposed by the ledger contract.
type ProtocolStats struct {
	TotalHedges   uint64          `json:"total_hedges"`
	ActiveHedges  uint64          `json:"active_hedges"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	UniqueTraders uint64          `json:"unique_traders"`
}

// Confirmation is what the settlement relay reports back after it has signed
// and submitted a transaction. The pipeline treats it as a cache-writeback
// candidate for the next reconciliation pass.
type Confirmation struct {
	HedgeID        uint64 `json:"hedge_id"`
	TxHash         string `json:"tx_hash"`
	CommitmentHash string `json:"commitment_hash"`
	ProxyAddress   string `json:"proxy_address"`
}
