package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultd/internal/service"
)

// VaultHandler serves the vault's public query and enqueue endpoints.
type VaultHandler struct {
	vault  *service.VaultService
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler with the given service and logger.
func NewVaultHandler(vault *service.VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		vault:  vault,
		logger: logger,
	}
}

// queueStatusResponse reports one queue's cursors and pending counts.
type queueStatusResponse struct {
	First  uint64 `json:"first"`
	Middle uint64 `json:"middle"`
	Last   uint64 `json:"last"`
}

type groupResponse struct {
	Started        bool   `json:"started"`
	Fulfilled      bool   `json:"fulfilled"`
	LastSeq        uint64 `json:"last_seq"`
	TotalClaim     string `json:"total_claim"`
	TotalAvailable string `json:"total_available"`
}

type statusResponse struct {
	TVL           string              `json:"tvl"`
	TotalShares   string              `json:"total_shares"`
	Liquid        string              `json:"liquid"`
	Paused        bool                `json:"paused"`
	DepositQueue  queueStatusResponse `json:"deposit_queue"`
	WithdrawQueue queueStatusResponse `json:"withdraw_queue"`
	Group         groupResponse       `json:"group"`
	WithdrawFees  string              `json:"withdraw_fees_accrued"`
	Timestamp     string              `json:"timestamp"`
}

// GetStatus returns the vault status snapshot: NAV, share supply, queue
// cursors, the active withdraw group, and the pause flag.
// GET /api/vault/status
func (h *VaultHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.vault.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: vault status failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	resp := statusResponse{
		TVL:           st.TVL.String(),
		TotalShares:   st.TotalShares.String(),
		Liquid:        st.Liquid.String(),
		Paused:        st.Paused,
		DepositQueue:  queueStatusResponse{First: st.DepositQueue.First, Middle: st.DepositQueue.Middle, Last: st.DepositQueue.Last},
		WithdrawQueue: queueStatusResponse{First: st.WithdrawQueue.First, Middle: st.WithdrawQueue.Middle, Last: st.WithdrawQueue.Last},
		Group: groupResponse{
			Started:        st.Group.Started,
			Fulfilled:      st.Group.Fulfilled,
			LastSeq:        st.Group.LastSeq,
			TotalClaim:     amountString(st.Group.TotalClaim),
			TotalAvailable: amountString(st.Group.TotalAvailable),
		},
		WithdrawFees: st.WithdrawFees.String(),
		Timestamp:    st.At.Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetNAV returns the vault NAV, optionally converted into a quote asset.
// GET /api/vault/nav?quote=0x...
func (h *VaultHandler) GetNAV(w http.ResponseWriter, r *http.Request) {
	quoteParam := r.URL.Query().Get("quote")
	if quoteParam == "" {
		st, err := h.vault.Status(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"nav": st.TVL.String()})
		return
	}

	quote, err := parseAddress(quoteParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quote address")
		return
	}
	nav, err := h.vault.QuoteNAV(r.Context(), quote)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: quote nav failed",
			slog.String("quote", quote.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"nav":   nav.String(),
		"quote": quote.Hex(),
	})
}

// GetBalance returns an account's share balance and spendable balance.
// GET /api/vault/balance/{address}
func (h *VaultHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   addr.Hex(),
		"shares":    h.vault.BalanceOf(addr).String(),
		"spendable": h.vault.SpendableOf(addr).String(),
	})
}

type depositRequestBody struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

// PostDeposit enqueues a deposit request.
// POST /api/vault/deposits
func (h *VaultHandler) PostDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	receiver, err := parseAddress(body.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receiver address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	req, err := h.vault.EnqueueDeposit(r.Context(), receiver, amount)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: enqueue deposit failed",
			slog.String("receiver", receiver.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"seq":         req.Seq,
		"receiver":    req.Receiver.Hex(),
		"amount":      req.BaseAmount.String(),
		"recorded_at": req.RecordedAt.Format(time.RFC3339),
	})
}

type withdrawRequestBody struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Shares   string `json:"shares"`
}

// PostWithdraw enqueues a withdraw request; the shares are locked until it
// executes.
// POST /api/vault/withdraws
func (h *VaultHandler) PostWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	owner, err := parseAddress(body.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	receiver := owner
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeError(w, http.StatusBadRequest, "invalid receiver address")
			return
		}
	}
	shares, err := parseAmount(body.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shares")
		return
	}

	req, err := h.vault.EnqueueWithdraw(r.Context(), owner, receiver, shares)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: enqueue withdraw failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"seq":         req.Seq,
		"owner":       req.Owner.Hex(),
		"receiver":    req.Receiver.Hex(),
		"shares":      req.Shares.String(),
		"recorded_at": req.RecordedAt.Format(time.RFC3339),
	})
}
