package api

import (
	"errors"
	"log/slog"
	"net/http"

	"nodelab/pkg/errs"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNodeNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState, errs.KindConflict:
		return http.StatusConflict
	case errs.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindGatewaySyncFailed:
		return http.StatusBadGateway
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var e *errs.Error
	resp := ErrorResponse{Error: err.Error(), Code: "internal"}
	status := http.StatusInternalServerError
	if errors.As(err, &e) {
		resp.Code = string(e.Kind)
		resp.Retryable = e.Retryable()
		status = statusFor(e.Kind)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "code", resp.Code, "err", err)
	} else {
		log.Debug("request rejected", "status", status, "code", resp.Code, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, log *slog.Logger, op, msg string) {
	writeError(w, log, errs.New(errs.KindInvalidInput, op, msg))
}
