package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pboard/internal/board"
	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/refresh"
)

// BoardSession is the dashboard state behind the board endpoints.
type BoardSession interface {
	View(side domain.Side, cfg board.FilterConfig) (board.View, error)
	Status() refresh.Status
	RefreshSide(ctx context.Context, side domain.Side, force bool) error
	RefreshAll(ctx context.Context, force bool) error
	SetAutoRefresh(ctx context.Context, enabled bool) (bool, error)
	Budget() board.Budget
}

// BoardHandler serves the dashboard API.
type BoardHandler struct {
	session BoardSession
	logger  *slog.Logger
}

// NewBoardHandler creates a BoardHandler.
func NewBoardHandler(session BoardSession, logger *slog.Logger) *BoardHandler {
	return &BoardHandler{session: session, logger: logger}
}

// filterParams builds a FilterConfig from the query string. Malformed
// values leave the matching predicate inactive.
func filterParams(r *http.Request) board.FilterConfig {
	q := r.URL.Query()
	return board.FilterConfig{
		MerchantsOnly:          parseBool(r, "merchants_only"),
		OnlineOnly:             parseBool(r, "online_only"),
		ExcludeTriangleFlagged: parseBool(r, "exclude_triangle"),
		PaymentMethod:          q.Get("payment"),
		CounterAmount:          q.Get("amount"),
	}
}

// GetBoard returns the filtered, annotated board of one side.
// GET /api/board/{side}?merchants_only=true&amount=5000
func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	side, err := domain.ParseSide(r.PathValue("side"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	view, err := h.session.View(side, filterParams(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetStatus returns the refresh state of both sides.
// GET /api/board/status
func (h *BoardHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Refresh runs a manual refresh of one side, or both when side is omitted,
// and returns the resulting status. The refresh outlives a disconnecting
// client.
// POST /api/board/refresh?side=sell&force=true
func (h *BoardHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	force := parseBool(r, "force")

	var err error
	if v := r.URL.Query().Get("side"); v != "" {
		side, perr := domain.ParseSide(v)
		if perr != nil {
			writeDomainError(w, perr)
			return
		}
		err = h.session.RefreshSide(ctx, side, force)
	} else {
		err = h.session.RefreshAll(ctx, force)
	}

	if err != nil {
		h.logger.WarnContext(ctx, "handler: manual refresh failed", slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), map[string]any{
			"error":  err.Error(),
			"status": h.session.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}

// SetAutoRefresh toggles the data source's global flag and returns what the
// source reports.
// PUT /api/board/auto-refresh {"auto_refresh": true}
func (h *BoardHandler) SetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeAutoRefresh(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, `body must be {"auto_refresh": bool}`)
		return
	}

	v, err := h.session.SetAutoRefresh(r.Context(), enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_refresh": v})
}

// GetBudget returns the estimated daily data-source call usage.
// GET /api/board/budget
func (h *BoardHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Budget())
}
