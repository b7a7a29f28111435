package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sigcast/sigcast/internal/broadcast"
	"github.com/sigcast/sigcast/internal/consensus"
	"github.com/sigcast/sigcast/internal/ledger"
	"github.com/sigcast/sigcast/internal/registry"
	"github.com/sigcast/sigcast/internal/replay"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/transport"
)

var errInvalidInput = errors.New("invalid input")

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":  "success",
		"message": message,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, signbook.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", err.Error()
	case errors.Is(err, errInvalidInput),
		errors.Is(err, registry.ErrSelfPeering),
		errors.Is(err, replay.ErrEmptyBatch),
		errors.Is(err, transport.ErrInvalidOptions),
		errors.Is(err, transport.ErrNoPeer),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, broadcast.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS", err.Error()
	case errors.Is(err, broadcast.ErrRefundFailed):
		return http.StatusConflict, "REFUND_FAILED", err.Error()
	case errors.Is(err, signbook.ErrDuplicateRequest):
		return http.StatusConflict, "DUPLICATE_REQUEST", err.Error()
	case errors.Is(err, consensus.ErrNotLeader):
		return http.StatusServiceUnavailable, "NOT_LEADER", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, msg := mapDomainError(err)
	writeError(w, status, code, msg)
}
