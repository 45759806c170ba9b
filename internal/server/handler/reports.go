package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const (
	defaultRecentReports = 20
	maxRecentReports     = 200
)

// ReportHandler serves recent settlement reports and the audit log.
type ReportHandler struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewReportHandler creates a ReportHandler. audit may be nil.
func NewReportHandler(bus domain.SignalBus, audit domain.AuditStore, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{bus: bus, audit: audit, logger: logHandler(logger, "reports")}
}

// Recent returns the newest settlement reports from the report stream,
// oldest first.
// GET /api/reports/recent?limit=N
func (h *ReportHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentReports
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, maxRecentReports)
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamSettlements, "", limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	reports := make([]domain.Report, 0, len(msgs))
	for _, m := range msgs {
		var rep domain.Report
		if err := json.Unmarshal(m.Payload, &rep); err != nil {
			h.logger.WarnContext(r.Context(), "skipping malformed report",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		reports = append(reports, rep)
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// Audit lists audit log entries newest first.
// GET /api/audit?limit=N&offset=M
func (h *ReportHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
