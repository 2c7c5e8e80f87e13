// Package ledger consumes the hedge contract's public read surface over
// EVM JSON-RPC: the read functions getHedgeById / getHedgeIdsForOwner /
// getProtocolStats and the HedgeOpened event log.
//
// Only reads. Transaction signing and submission belong to the external
// settlement relay.
package ledger

import (
	"context"
	"time"

	"github.com/veilhedge/ledger-engine/internal/model"
)

// OpenedEvent is one HedgeOpened log entry. The hedge id is the event's
// primary indexed field.
type OpenedEvent struct {
	HedgeID     uint64
	Trader      string
	TxHash      string
	BlockNumber uint64
}

// Reader is the contract read surface consumed by the reconciliation
// pipeline. Implementations must be safe for concurrent use.
type Reader interface {
	// LatestBlock returns the current chain head number.
	LatestBlock(ctx context.Context) (uint64, error)

	// HedgeByID reads one hedge record by its ledger-assigned id.
	HedgeByID(ctx context.Context, id uint64) (model.HedgeRecord, error)

	// HedgeIDsForOwner returns the hedge ids attributed to an address.
	HedgeIDsForOwner(ctx context.Context, address string) ([]uint64, error)

	// ProtocolStats reads the contract's aggregate counters.
	ProtocolStats(ctx context.Context) (model.ProtocolStats, error)

	// OpenedEvents returns HedgeOpened logs in [fromBlock, toBlock].
	OpenedEvents(ctx context.Context, fromBlock, toBlock uint64) ([]OpenedEvent, error)
}

// Config holds client settings for one target contract.
type Config struct {
	RPCURL          string
	ContractAddress string
	HTTPTimeout     time.Duration // default: 15s
}
