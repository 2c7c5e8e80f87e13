package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilhedge/ledger-engine/internal/gateway"
	"github.com/veilhedge/ledger-engine/internal/model"
)

// Contract read signatures and the opened-event topic. These must match the
// deployed hedge contract's ABI.
const (
	sigHedgeByID     = "getHedgeById(uint256)"
	sigHedgeIDs      = "getHedgeIdsForOwner(address)"
	sigProtocolStats = "getProtocolStats()"
	sigOpenedEvent   = "HedgeOpened(uint256,address)"
)

// priceScale is the contract's fixed-point scale for collateral, volume,
// and prices.
const priceScale = 18

// Numeric side and status encodings used by the contract.
var (
	sideNames = map[uint64]string{
		0: model.SideLong,
		1: model.SideShort,
	}
	statusNames = map[uint64]string{
		0: model.StatusPending,
		1: model.StatusActive,
		2: model.StatusClosed,
		3: model.StatusLiquidated,
		4: model.StatusCancelled,
	}
)

// RPCError is a JSON-RPC level failure from the upstream provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
}

// Client implements Reader over EVM JSON-RPC 2.0.
type Client struct {
	rpcURL     string
	contract   string
	httpClient *http.Client

	openedTopic string
	reqID       atomic.Uint64
}

// NewClient creates a JSON-RPC read client for one hedge contract.
func NewClient(cfg Config) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		rpcURL:      cfg.RPCURL,
		contract:    strings.ToLower(cfg.ContractAddress),
		httpClient:  &http.Client{Timeout: timeout},
		openedTopic: eventTopic(sigOpenedEvent),
	}
}

// LatestBlock returns the current chain head number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var result string
	if err := c.rpc(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

// HedgeByID reads one hedge record via getHedgeById.
func (c *Client) HedgeByID(ctx context.Context, id uint64) (model.HedgeRecord, error) {
	data, err := c.ethCall(ctx, encodeCall(sigHedgeByID, uintWord(id)))
	if err != nil {
		return model.HedgeRecord{}, err
	}
	return decodeHedge(id, data)
}

// HedgeIDsForOwner reads the hedge id list attributed to one address.
func (c *Client) HedgeIDsForOwner(ctx context.Context, address string) ([]uint64, error) {
	addr, err := addressWord(address)
	if err != nil {
		return nil, err
	}
	data, err := c.ethCall(ctx, encodeCall(sigHedgeIDs, addr))
	if err != nil {
		return nil, err
	}
	return uintArray(data)
}

// ProtocolStats reads the contract's aggregate counters.
func (c *Client) ProtocolStats(ctx context.Context) (model.ProtocolStats, error) {
	data, err := c.ethCall(ctx, encodeCall(sigProtocolStats))
	if err != nil {
		return model.ProtocolStats{}, err
	}

	var stats model.ProtocolStats
	if stats.TotalHedges, err = wordUint64(data, 0); err != nil {
		return stats, err
	}
	if stats.ActiveHedges, err = wordUint64(data, 1); err != nil {
		return stats, err
	}
	volume, err := wordBig(data, 2)
	if err != nil {
		return stats, err
	}
	stats.TotalVolume = decimal.NewFromBigInt(volume, -priceScale)
	if stats.UniqueTraders, err = wordUint64(data, 3); err != nil {
		return stats, err
	}
	return stats, nil
}

// OpenedEvents fetches HedgeOpened logs for [fromBlock, toBlock] via
// eth_getLogs. The hedge id is the first indexed topic.
func (c *Client) OpenedEvents(ctx context.Context, fromBlock, toBlock uint64) ([]OpenedEvent, error) {
	filter := map[string]any{
		"fromBlock": hexUint(fromBlock),
		"toBlock":   hexUint(toBlock),
		"address":   c.contract,
		"topics":    []any{c.openedTopic},
	}

	var logs []rpcLog
	if err := c.rpc(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}

	events := make([]OpenedEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		id, err := parseHexUint(lg.Topics[1])
		if err != nil {
			continue
		}
		ev := OpenedEvent{HedgeID: id, TxHash: lg.TransactionHash}
		if len(lg.Topics) >= 3 {
			// A trader topic is one full 32-byte word; anything else leaves
			// Trader empty rather than trusting a malformed provider response.
			if trader := strings.TrimPrefix(lg.Topics[2], "0x"); len(trader) == 64 {
				ev.Trader = "0x" + trader[24:]
			}
		}
		if n, err := parseHexUint(lg.BlockNumber); err == nil {
			ev.BlockNumber = n
		}
		events = append(events, ev)
	}
	return events, nil
}

// --- JSON-RPC transport ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type rpcLog struct {
	Topics          []string `json:"topics"`
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
}

func (c *Client) ethCall(ctx context.Context, calldata string) ([]byte, error) {
	params := []any{
		map[string]string{"to": c.contract, "data": calldata},
		"latest",
	}
	var result string
	if err := c.rpc(ctx, "eth_call", params, &result); err != nil {
		return nil, err
	}
	return returnData(result)
}

func (c *Client) rpc(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("ledger: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledger: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("ledger: %s: http 429: %w", method, gateway.ErrRateLimited)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ledger: %s: http %d", method, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ledger: read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("ledger: unmarshal %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		if isRateLimitCode(rpcResp.Error) {
			return fmt.Errorf("ledger: %s: %v: %w", method, rpcResp.Error, gateway.ErrRateLimited)
		}
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("ledger: unmarshal %s result: %w", method, err)
	}
	return nil
}

// isRateLimitCode recognizes the throttling signals common across providers:
// -32005 (limit exceeded, Infura/Alchemy), -32097 (QuickNode), or an
// explicit message.
func isRateLimitCode(e *RPCError) bool {
	if e.Code == -32005 || e.Code == -32097 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// --- decode helpers ---

// decodeHedge unpacks the static getHedgeById return tuple: trader, asset,
// side, collateral, leverage, status, openedAt, closedAt, commitmentHash,
// nullifier, entryPrice.
func decodeHedge(id uint64, data []byte) (model.HedgeRecord, error) {
	rec := model.HedgeRecord{HedgeID: id}

	var err error
	if rec.TraderOrProxy, err = wordAddress(data, 0); err != nil {
		return rec, err
	}
	if rec.Asset, err = wordSymbol(data, 1); err != nil {
		return rec, err
	}

	sideCode, err := wordUint64(data, 2)
	if err != nil {
		return rec, err
	}
	rec.Side = sideNames[sideCode]

	collateral, err := wordBig(data, 3)
	if err != nil {
		return rec, err
	}
	rec.Collateral = decimal.NewFromBigInt(collateral, -priceScale)

	leverage, err := wordUint64(data, 4)
	if err != nil {
		return rec, err
	}
	rec.Leverage = decimal.NewFromUint64(leverage)

	statusCode, err := wordUint64(data, 5)
	if err != nil {
		return rec, err
	}
	rec.Status = statusNames[statusCode]

	openedAt, err := wordUint64(data, 6)
	if err != nil {
		return rec, err
	}
	rec.OpenedAt = time.Unix(int64(openedAt), 0).UTC()

	closedAt, err := wordUint64(data, 7)
	if err != nil {
		return rec, err
	}
	if closedAt > 0 {
		t := time.Unix(int64(closedAt), 0).UTC()
		rec.ClosedAt = &t
	}

	if rec.CommitmentHash, err = wordHash(data, 8); err != nil {
		return rec, err
	}
	if rec.Nullifier, err = wordHash(data, 9); err != nil {
		return rec, err
	}

	entry, err := wordBig(data, 10)
	if err != nil {
		return rec, err
	}
	rec.EntryPrice = decimal.NewFromBigInt(entry, -priceScale)

	return rec, nil
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHexUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: bad hex quantity %q: %w", s, err)
	}
	return v, nil
}
