package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// OfferService is the data-source backend behind the offers endpoints.
type OfferService interface {
	Offers(ctx context.Context, side domain.Side, force bool) (domain.SideSnapshot, error)
	Status(ctx context.Context, side domain.Side) (domain.SideStatus, error)
	AutoRefresh(ctx context.Context) (bool, error)
	SetAutoRefresh(ctx context.Context, enabled bool) (bool, error)
}

// OffersHandler serves the data-source API consumed by dashboards.
type OffersHandler struct {
	svc    OfferService
	stats  func() any
	logger *slog.Logger
}

// NewOffersHandler creates an OffersHandler.
func NewOffersHandler(svc OfferService, logger *slog.Logger) *OffersHandler {
	return &OffersHandler{svc: svc, logger: logger}
}

// WithUpstreamStats exposes request counters of the upstream client.
func (h *OffersHandler) WithUpstreamStats(stats func() any) *OffersHandler {
	h.stats = stats
	return h
}

// sideParam reads the side query parameter ("1"/"0" or "sell"/"buy"),
// defaulting to sell.
func sideParam(r *http.Request) (domain.Side, error) {
	v := r.URL.Query().Get("side")
	if v == "" {
		return domain.SideSell, nil
	}
	return domain.ParseSide(v)
}

// GetOffers returns the snapshot of one side.
// GET /api/offers?side=1&force=true
func (h *OffersHandler) GetOffers(w http.ResponseWriter, r *http.Request) {
	side, err := sideParam(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snap, err := h.svc.Offers(r.Context(), side, parseBool(r, "force"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get offers",
			slog.String("side", string(side)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	if snap.CacheSource != "" {
		w.Header().Set("X-Cache-Source", string(snap.CacheSource))
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetStatus returns the last update of one side without its offers.
// GET /api/offers/status?side=1
func (h *OffersHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	side, err := sideParam(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	st, err := h.svc.Status(r.Context(), side)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: offers status", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetAutoRefresh returns the global background-refresh flag.
// GET /api/auto-refresh
func (h *OffersHandler) GetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.AutoRefresh(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_refresh": v})
}

// SetAutoRefresh stores the flag and echoes the stored value.
// POST /api/auto-refresh {"auto_refresh": false}
func (h *OffersHandler) SetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeAutoRefresh(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, `body must be {"auto_refresh": bool}`)
		return
	}

	v, err := h.svc.SetAutoRefresh(r.Context(), enabled)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set auto refresh", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_refresh": v})
}

// GetUpstreamStats reports upstream request counters.
// GET /api/offers/upstream
func (h *OffersHandler) GetUpstreamStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "upstream stats not available")
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}
