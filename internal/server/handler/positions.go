package handler

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultd/internal/service"
)

// PositionHandler serves the position registry's read endpoints.
type PositionHandler struct {
	registry *service.RegistryService
	logger   *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and
// logger.
func NewPositionHandler(registry *service.RegistryService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		registry: registry,
		logger:   logger,
	}
}

type holdingResponse struct {
	ID                  string `json:"id"`
	BlueprintID         string `json:"blueprint_id"`
	CalculatorConnector string `json:"calculator_connector"`
	ReportingConnector  string `json:"reporting_connector"`
	Data                string `json:"data"`
	ExtraData           string `json:"extra_data,omitempty"`
	LastUpdate          string `json:"last_update"`
}

// ListHoldings returns all live holdings in the registry arena.
// GET /api/positions
func (h *PositionHandler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	holdings := h.registry.Holdings()

	resp := make([]holdingResponse, 0, len(holdings))
	for _, hp := range holdings {
		resp = append(resp, holdingResponse{
			ID:                  hp.ID.Hex(),
			BlueprintID:         hp.BlueprintID.Hex(),
			CalculatorConnector: hp.CalculatorConnector.Hex(),
			ReportingConnector:  hp.ReportingConnector.Hex(),
			Data:                hex.EncodeToString(hp.Data),
			ExtraData:           hex.EncodeToString(hp.ExtraData),
			LastUpdate:          hp.LastUpdate.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions":     resp,
		"oldest_update": h.registry.OldestUpdate(time.Now().UTC()).Format(time.RFC3339),
	})
}
