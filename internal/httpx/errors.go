package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type errorResp struct {
	Error     string           `json:"error"`
	Field     string           `json:"field,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps aggregator error kinds onto HTTP statuses. Persistence
// failures are logged and reported without their cause.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		ve  *aggregator.ValidationError
		nf  *aggregator.NotFoundError
		ise *aggregator.InsufficientStockError
		cce *aggregator.ConcurrencyConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Field: ve.Field})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error(), Requested: &ise.Requested, Available: &ise.Available})
	case errors.As(err, &cce):
		writeJSON(w, http.StatusConflict, errorResp{Error: "listings changed concurrently, retry the order"})
	case errors.Is(err, aggregator.ErrInvalidTransition), errors.Is(err, aggregator.ErrDuplicateOrder):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &aggregator.ValidationError{Field: "body", Reason: err.Error()}
	}
	if dec.More() {
		return &aggregator.ValidationError{Field: "body", Reason: "unexpected data after JSON object"}
	}
	return nil
}
