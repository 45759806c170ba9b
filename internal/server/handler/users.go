package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/reconcile"
	"github.com/alanyoungcy/strikekeeper/internal/settlement"
)

// settleWriteTimeout bounds a synchronous settlement response. Each item
// waits for its receipt, so a run can outlive the server's default write
// timeout.
const settleWriteTimeout = 15 * time.Minute

// Settlements is the settlement surface the user endpoints need.
type Settlements interface {
	Preview(ctx context.Context, userID int64) (reconcile.Plan, error)
	Settle(ctx context.Context, userID int64, progress settlement.ProgressFunc) (domain.Report, error)
}

// HistorySource pages through a user's markets.
type HistorySource interface {
	History(ctx context.Context, userID int64, page int) (reconcile.HistoryPage, error)
}

// UserHandler serves per-user position, history and settlement endpoints.
type UserHandler struct {
	settlements Settlements
	history     HistorySource
	logger      *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(settlements Settlements, history HistorySource, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		settlements: settlements,
		history:     history,
		logger:      logHandler(logger, "users"),
	}
}

// Positions returns the user's classified markets and the plan that a
// settlement run would execute right now.
// GET /api/users/{id}/positions
func (h *UserHandler) Positions(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	plan, err := h.settlements.Preview(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	c := plan.Classification
	writeJSON(w, http.StatusOK, map[string]any{
		"user":      plan.User,
		"active":    c.Active,
		"resolved":  c.Resolved,
		"cancelled": c.Cancelled,
		"plan":      plan.Items,
	})
}

// History returns one page of the user's past markets plus every active one.
// GET /api/users/{id}/history?page=N
func (h *UserHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	page, err := h.history.History(r.Context(), id, parsePage(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Settle runs a settlement for the user and returns the report. The run is
// detached from the request context so a dropped client cannot abort it
// between transactions.
// POST /api/users/{id}/settle
func (h *UserHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(settleWriteTimeout)); err != nil {
		h.logger.DebugContext(r.Context(), "write deadline not extended", slog.String("error", err.Error()))
	}

	rep, err := h.settlements.Settle(context.WithoutCancel(r.Context()), id, nil)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report": rep,
		"lines":  rep.Lines(),
	})
}
