package handlers

import (
	"net/http"
	"strconv"
	"time"

	"forge/internal/engine/usage"
	"forge/internal/pkg/errors"
)

type UsageHandler struct {
	ledger *usage.Ledger
}

func NewUsageHandler(ledger *usage.Ledger) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

// GetUsage returns spark and run aggregates over ?start/?end (unix seconds),
// defaulting to the trailing 30 days.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end, _ := strconv.ParseInt(q.Get("end"), 10, 64)
	if end == 0 {
		end = time.Now().Unix()
	}
	start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
	if start == 0 {
		start = end - 30*24*3600
	}

	summary, err := h.ledger.GetUsage(orgID(r), start, end)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *UsageHandler) GetRunHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	history, total, err := h.ledger.GetRunHistory(orgID(r), usage.HistoryOptions{
		FlowID: q.Get("flow_id"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  history,
		"total": total,
	})
}

func (h *UsageHandler) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GetDashboardStats(orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
