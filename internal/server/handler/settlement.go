package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultd/internal/service"
)

// SettlementHandler serves settlement history endpoints.
type SettlementHandler struct {
	settlement *service.SettlementService
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service
// and logger.
func NewSettlementHandler(settlement *service.SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		logger:     logger,
	}
}

type batchResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
	Count       int    `json:"count"`
	TotalBase   string `json:"total_base"`
	TotalShares string `json:"total_shares"`
	ExecutedAt  string `json:"executed_at"`
}

// ListBatches returns the most recently executed settlement batches.
// GET /api/settlement/batches?limit=N
func (h *SettlementHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	batches, err := h.settlement.RecentBatches(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list batches failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	resp := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		resp = append(resp, batchResponse{
			ID:          b.ID,
			Kind:        string(b.Kind),
			FirstSeq:    b.FirstSeq,
			LastSeq:     b.LastSeq,
			Count:       b.Count,
			TotalBase:   amountString(b.TotalBase),
			TotalShares: amountString(b.TotalShares),
			ExecutedAt:  b.ExecutedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": resp})
}

type feeEventResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Shares     string `json:"shares"`
	Base       string `json:"base"`
	OccurredAt string `json:"occurred_at"`
}

// ListFeeEvents returns the most recent fee accrual events.
// GET /api/settlement/fees?limit=N
func (h *SettlementHandler) ListFeeEvents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	events, err := h.settlement.RecentFeeEvents(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fee events failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	resp := make([]feeEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, feeEventResponse{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Shares:     amountString(e.Shares),
			Base:       amountString(e.Base),
			OccurredAt: e.OccurredAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"fee_events": resp})
}

// GetGroup serves the current withdraw group state.
// GET /api/settlement/group
func (h *SettlementHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g := h.settlement.Group()
	writeJSON(w, http.StatusOK, groupResponse{
		Started:        g.Started,
		Fulfilled:      g.Fulfilled,
		LastSeq:        g.LastSeq,
		TotalClaim:     amountString(g.TotalClaim),
		TotalAvailable: amountString(g.TotalAvailable),
	})
}
