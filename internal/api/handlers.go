package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bioflow/collector/internal/admission"
	"github.com/bioflow/collector/internal/cache"
	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/exceptions"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/retry"
	"github.com/bioflow/collector/internal/sourceconn"
)

type handlers struct {
	exceptions   *exceptions.Service
	orchestrator *retry.Orchestrator
	validator    *cache.Service
	limiter      *admission.Limiter
	manager      *sourceconn.Manager
	storeHealth  HealthChecker
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Default().Error("encode response failed", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// caller returns the identity presented by the client. Requests
// without one run as anonymous.
func caller(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return "anonymous"
}

type notesBody struct {
	Notes string `json:"notes"`
}

func decodeNotes(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	var body notesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Notes
}

func (h *handlers) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.CodeExceptionNotFound, "exception not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, domain.CodeInvalidStatus, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// --- mutating lifecycle endpoints ---

// withPermit admits the mutation through the concurrency controller
// before running it. The operation name shows up in the concurrency
// status endpoint while the permit is held.
func (h *handlers) withPermit(w http.ResponseWriter, r *http.Request, operation string, fn func()) {
	permit, err := h.limiter.Acquire(r.Context(), caller(r), operation)
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrSystemBusy):
			writeError(w, http.StatusTooManyRequests, "SYSTEM_BUSY", "system concurrency limit reached, try again shortly")
		case errors.Is(err, admission.ErrCallerBusy):
			writeError(w, http.StatusTooManyRequests, "USER_BUSY", "too many concurrent operations for this user")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	defer permit.Release()
	fn()
}

func (h *handlers) initiateRetry(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.withPermit(w, r, "retry", func() {
		resp, err := h.orchestrator.InitiateRetry(r.Context(), txn, caller(r))
		if err != nil {
			switch {
			case errors.Is(err, retry.ErrExceptionNotFound):
				writeError(w, http.StatusNotFound, domain.CodeExceptionNotFound, "exception not found")
			case errors.Is(err, retry.ErrRetryNotAllowed):
				writeError(w, http.StatusConflict, domain.CodeNotRetryable, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			}
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	})
}

func (h *handlers) cancelRetry(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	attemptNumber, err := strconv.Atoi(r.PathValue("attemptNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ATTEMPT_NUMBER", "attempt number must be an integer")
		return
	}
	h.withPermit(w, r, "cancel_retry", func() {
		cancelled, err := h.orchestrator.CancelRetry(r.Context(), txn, attemptNumber)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		if !cancelled {
			writeError(w, http.StatusConflict, domain.CodeNoPendingRetryToCancel, "no pending retry attempt to cancel")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transaction_id": txn,
			"attempt_number": attemptNumber,
			"cancelled":      true,
		})
	})
}

func (h *handlers) acknowledge(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.withPermit(w, r, "acknowledge", func() {
		exc, err := h.exceptions.Acknowledge(r.Context(), txn, caller(r), decodeNotes(r))
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exc)
	})
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.withPermit(w, r, "resolve", func() {
		exc, err := h.exceptions.Resolve(r.Context(), txn, caller(r), decodeNotes(r))
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exc)
	})
}

func (h *handlers) escalate(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.withPermit(w, r, "escalate", func() {
		exc, err := h.exceptions.Escalate(r.Context(), txn, caller(r), decodeNotes(r))
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exc)
	})
}

func (h *handlers) closeException(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.withPermit(w, r, "close", func() {
		exc, err := h.exceptions.Close(r.Context(), txn, caller(r), decodeNotes(r))
		if err != nil {
			h.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exc)
	})
}

// --- read endpoints ---

func (h *handlers) getException(w http.ResponseWriter, r *http.Request) {
	exc, err := h.exceptions.Get(r.Context(), r.PathValue("transactionId"))
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exc)
}

func (h *handlers) listExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExceptionFilter{
		InterfaceType: domain.InterfaceType(q.Get("interface_type")),
		Status:        domain.ExceptionStatus(q.Get("status")),
		Severity:      domain.Severity(q.Get("severity")),
		CustomerID:    q.Get("customer_id"),
		Limit:         intParam(q.Get("limit"), 50),
		Offset:        intParam(q.Get("offset"), 0),
	}
	if from := q.Get("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = ts
		}
	}
	if to := q.Get("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = ts
		}
	}

	list, err := h.exceptions.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list, "count": len(list)})
}

func (h *handlers) searchExceptions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "MISSING_QUERY", "query parameter q is required")
		return
	}
	list, err := h.exceptions.Search(r.Context(), query, intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list, "count": len(list)})
}

func (h *handlers) relatedExceptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.exceptions.Related(r.Context(), r.PathValue("transactionId"), intParam(r.URL.Query().Get("limit"), 20))
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list, "count": len(list)})
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			from = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			to = ts
		}
	}
	rows, err := h.exceptions.Summary(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "buckets": rows})
}

func (h *handlers) retryHistory(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	history, err := h.orchestrator.History(r.Context(), txn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": txn, "attempts": history, "count": len(history)})
}

func (h *handlers) latestRetry(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.orchestrator.Latest(r.Context(), r.PathValue("transactionId"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NO_RETRY_ATTEMPTS", "no retry attempts recorded")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *handlers) retryStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Statistics(r.Context(), r.PathValue("transactionId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- operational status ---

// --- cache administration ---

func (h *handlers) invalidateCache(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("transactionId")
	h.validator.Invalidate(r.Context(), txn)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) invalidateAllCache(w http.ResponseWriter, r *http.Request) {
	h.validator.InvalidateAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) connectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

func (h *handlers) forceReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ForceReconnect(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"reconnected": false,
			"error":       err.Error(),
			"status":      h.manager.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconnected": true,
		"status":      h.manager.Status(),
	})
}

func (h *handlers) concurrencyStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"system": h.limiter.Stats()}
	if id := r.URL.Query().Get("caller"); id != "" {
		resp["caller"] = h.limiter.StatsFor(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{}

	if h.storeHealth != nil {
		if err := h.storeHealth.Health(r.Context()); err != nil {
			checks["storage"] = err.Error()
			status = "critical"
			code = http.StatusServiceUnavailable
		} else {
			checks["storage"] = "ok"
		}
	}

	conn := h.manager.Status()
	if conn.Connected {
		checks["source_connection"] = "ok"
	} else {
		checks["source_connection"] = "degraded"
		if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
