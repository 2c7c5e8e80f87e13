// Package relay is the settlement-relay boundary. The relay signs and
// submits ledger-mutating transactions out of process; this service exposes
// the reconciled hedge view and the identity derivations it needs, and
// consumes its submission confirmations as cache-writeback candidates.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veilhedge/ledger-engine/internal/identity"
	"github.com/veilhedge/ledger-engine/internal/model"
	"github.com/veilhedge/ledger-engine/internal/reconcile"
)

// Service handles the HTTP surface consumed by the settlement relay and the
// dashboard.
type Service struct {
	pipeline *reconcile.Pipeline
	hub      *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a relay boundary service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(pipeline *reconcile.Pipeline, hub *Hub) *Service {
	return &Service{pipeline: pipeline, hub: hub}
}

// Routes mounts the service's handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/hedges/{owner}", s.GetHedges)
	r.Get("/stats", s.GetStats)
	r.Post("/identity/proxy", s.DeriveProxy)
	r.Post("/identity/commitment", s.GenerateCommitment)
	r.Post("/settlements/confirm", s.ConfirmSettlement)
}

// --- Request/Response types ---

// ProxyRequest is the JSON body for POST /identity/proxy.
type ProxyRequest struct {
	OwnerAddress string `json:"owner_address"`
	Nonce        uint64 `json:"nonce"`
	BindingHash  string `json:"binding_hash"`
}

// CommitmentRequest is the JSON body for POST /identity/commitment.
// Timestamp is optional; zero means "now".
type CommitmentRequest struct {
	OwnerContext   string    `json:"owner_context"`
	PurposeContext string    `json:"purpose_context"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConfirmResponse acknowledges a relay confirmation.
type ConfirmResponse struct {
	AckID   string `json:"ack_id"`
	HedgeID uint64 `json:"hedge_id"`
}

// HedgesResponse is the reconciled record set for one owner.
type HedgesResponse struct {
	Owner  string              `json:"owner"`
	Count  int                 `json:"count"`
	Hedges []model.HedgeRecord `json:"hedges"`
}

// --- HTTP Handlers ---

// GetHedges handles GET /api/v1/hedges/{owner}
func (s *Service) GetHedges(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner == "" {
		writeError(w, "owner address is required", http.StatusBadRequest)
		return
	}

	records, err := s.pipeline.HedgesForOwner(r.Context(), owner)
	if err != nil {
		var unreachable *reconcile.LedgerUnreachableError
		if errors.As(err, &unreachable) {
			writeError(w, unreachable.Error(), http.StatusBadGateway)
			return
		}
		writeError(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	unresolved := 0
	for _, rec := range records {
		if rec.TxHash == "" {
			unresolved++
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(HubMessage{
			Type:       "reconciliation_complete",
			Owner:      owner,
			Records:    len(records),
			Unresolved: unresolved,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HedgesResponse{
		Owner:  owner,
		Count:  len(records),
		Hedges: records,
	})
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// DeriveProxy handles POST /api/v1/identity/proxy
// The relay computes the same proxy address before submitting, so both sides
// agree without any message exchange.
func (s *Service) DeriveProxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerAddress == "" {
		writeError(w, "owner_address is required", http.StatusBadRequest)
		return
	}

	id := identity.DeriveIdentity(req.OwnerAddress, req.Nonce, req.BindingHash)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(id)
}

// GenerateCommitment handles POST /api/v1/identity/commitment
func (s *Service) GenerateCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerContext == "" {
		writeError(w, "owner_context is required", http.StatusBadRequest)
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	commitment := identity.GenerateCommitment(req.OwnerContext, req.PurposeContext, ts)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commitment)
}

// ConfirmSettlement handles POST /api/v1/settlements/confirm
// The relay reports {txHash, commitmentHash, proxyAddress} after submission;
// the pipeline treats it as a cache-writeback candidate for the next pass.
func (s *Service) ConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	var conf model.Confirmation
	if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if conf.HedgeID == 0 || conf.TxHash == "" {
		writeError(w, "hedge_id and tx_hash are required", http.StatusBadRequest)
		return
	}

	s.pipeline.ApplyConfirmation(conf)

	ack := ConfirmResponse{
		AckID:   uuid.New().String(),
		HedgeID: conf.HedgeID,
	}

	slog.Info("settlement confirmed",
		"ack_id", ack.AckID,
		"hedge_id", conf.HedgeID,
		"tx_hash", conf.TxHash,
		"proxy", conf.ProxyAddress,
	)

	if s.hub != nil {
		s.hub.Broadcast(HubMessage{
			Type:         "settlement_confirmed",
			HedgeID:      conf.HedgeID,
			TxHash:       conf.TxHash,
			ProxyAddress: conf.ProxyAddress,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ack)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
