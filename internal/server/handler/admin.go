package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/ledger"
	"github.com/alanyoungcy/vaultd/internal/service"
)

// AdminHandler serves privileged vault operations. The API key middleware
// gates access; the handler then acts with the configured role identities
// (emergency for pause/rescue, governor for cursor resets, manager for
// settlement triggers).
type AdminHandler struct {
	vault      *service.VaultService
	settlement *service.SettlementService
	governor   common.Address
	emergency  common.Address
	batchSize  int
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	vault *service.VaultService,
	settlement *service.SettlementService,
	governor, emergency common.Address,
	batchSize int,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		vault:      vault,
		settlement: settlement,
		governor:   governor,
		emergency:  emergency,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Pause activates the emergency pause.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Pause(r.Context(), h.emergency); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause lifts the emergency pause.
// POST /api/admin/unpause
func (h *AdminHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Unpause(r.Context(), h.emergency); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type resetCursorBody struct {
	Queue  string `json:"queue"`  // "deposit" or "withdraw"
	Middle uint64 `json:"middle"` // new valuation cursor
}

// ResetCursor rewinds a queue's valuation cursor.
// POST /api/admin/reset-cursor
func (h *AdminHandler) ResetCursor(w http.ResponseWriter, r *http.Request) {
	var body resetCursorBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := domain.RequestKind(body.Queue)
	if kind != domain.RequestKindDeposit && kind != domain.RequestKindWithdraw {
		writeError(w, http.StatusBadRequest, "queue must be deposit or withdraw")
		return
	}

	if err := h.vault.ResetCursor(r.Context(), h.governor, body.Middle, kind); err != nil {
		h.logger.WarnContext(r.Context(), "handler: reset cursor failed",
			slog.String("queue", body.Queue),
			slog.Uint64("middle", body.Middle),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": body.Queue, "middle": body.Middle})
}

type rescueBody struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Rescue removes a misdirected non-base asset from the engine.
// POST /api/admin/rescue
func (h *AdminHandler) Rescue(w http.ResponseWriter, r *http.Request) {
	var body rescueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, err := parseAddress(body.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := h.vault.Rescue(r.Context(), h.emergency, asset, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "amount": amount.String()})
}

// Valuate triggers one valuation pass over both queues.
// POST /api/admin/valuate
func (h *AdminHandler) Valuate(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.settlement.ValuateDeposits(r.Context(), h.batchSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	withdraws, err := h.settlement.ValuateWithdraws(r.Context(), h.batchSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"deposits_valuated":  len(deposits),
		"withdraws_valuated": len(withdraws),
	})
}

type executeBody struct {
	Connector string `json:"connector,omitempty"` // forward deposits here
	Routing   string `json:"routing,omitempty"`   // opaque routing hint
}

// ExecuteDeposits triggers one deposit execution pass.
// POST /api/admin/execute/deposits
func (h *AdminHandler) ExecuteDeposits(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var connector common.Address
	if body.Connector != "" {
		var err error
		if connector, err = parseAddress(body.Connector); err != nil {
			writeError(w, http.StatusBadRequest, "invalid connector address")
			return
		}
	}

	batch, err := h.settlement.ExecuteDeposits(r.Context(), h.batchSize, connector, []byte(body.Routing))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, map[string]int{"executed": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executed":     batch.Count,
		"total_base":   batch.TotalBase.String(),
		"total_shares": batch.TotalShares.String(),
	})
}

// ExecuteWithdraws triggers one withdraw payout pass over the fulfilled
// group.
// POST /api/admin/execute/withdraws
func (h *AdminHandler) ExecuteWithdraws(w http.ResponseWriter, r *http.Request) {
	payouts, batch, err := h.settlement.ExecuteWithdraws(r.Context(), h.batchSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, map[string]int{"executed": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executed":   len(payouts),
		"total_base": batch.TotalBase.String(),
	})
}

// StartGroup opens the accumulated withdraw claim batch for funding.
// POST /api/admin/group/start
func (h *AdminHandler) StartGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.settlement.StartWithdrawGroup(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

type retrieveBody struct {
	Requests []struct {
		Connector string `json:"connector"`
		Amount    string `json:"amount"`
	} `json:"requests"`
}

// Retrieve executes an explicit retrieval plan against connectors.
// POST /api/admin/group/retrieve
func (h *AdminHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var body retrieveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	plan, err := buildRetrievalPlan(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	retrieved, err := h.settlement.RetrieveAssets(r.Context(), plan)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"retrieved": retrieved.String()})
}

// buildRetrievalPlan validates and converts the request body into engine
// retrieval requests.
func buildRetrievalPlan(body retrieveBody) ([]ledger.RetrievalRequest, error) {
	if len(body.Requests) == 0 {
		return nil, errors.New("requests must not be empty")
	}
	plan := make([]ledger.RetrievalRequest, 0, len(body.Requests))
	for _, req := range body.Requests {
		conn, err := parseAddress(req.Connector)
		if err != nil {
			return nil, errors.New("invalid connector address")
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			return nil, errors.New("invalid amount")
		}
		plan = append(plan, ledger.RetrievalRequest{Connector: conn, Amount: amount})
	}
	return plan, nil
}

// Fulfill reserves liquidity for the active withdraw group.
// POST /api/admin/group/fulfill
func (h *AdminHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	if err := h.settlement.FulfillWithdrawGroup(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	g := h.settlement.Group()
	writeJSON(w, http.StatusOK, map[string]string{
		"claim":     amountString(g.TotalClaim),
		"available": amountString(g.TotalAvailable),
	})
}

// RunFees triggers one fee pass: profit snapshot, vested distribution,
// management accrual.
// POST /api/admin/fees/run
func (h *AdminHandler) RunFees(w http.ResponseWriter, r *http.Request) {
	if err := h.settlement.RunFeeCycle(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
