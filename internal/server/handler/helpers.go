package handler

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes and
// writes the error body.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrZeroAmount),
		errors.Is(err, domain.ErrDepositCapExceeded),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrCursorOutOfRange),
		errors.Is(err, domain.ErrTokenNotTrusted):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPaused),
		errors.Is(err, domain.ErrReentrantCall),
		errors.Is(err, domain.ErrGroupActive),
		errors.Is(err, domain.ErrGroupEmpty),
		errors.Is(err, domain.ErrGroupNotStarted),
		errors.Is(err, domain.ErrGroupNotFulfilled),
		errors.Is(err, domain.ErrGroupShortfall),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrBlueprintInUse):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrOracleUnavailable),
		errors.Is(err, domain.ErrNoPriceAvailable),
		errors.Is(err, domain.ErrDeviationExceeded):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// parseAddress validates and decodes a 0x-prefixed hex address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(s), nil
}

// parseAmount decodes a non-negative base-10 amount string.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("invalid amount")
	}
	return v, nil
}

// amountString renders an amount, treating nil as zero.
func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
