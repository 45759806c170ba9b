package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/oracle"
)

// PriceSource returns parsed latest prices.
type PriceSource interface {
	LatestPrices(ctx context.Context, feeds ...common.Hash) ([]oracle.Price, error)
}

// PriceHandler serves the latest oracle prices for the configured feeds.
type PriceHandler struct {
	prices PriceSource
	feeds  domain.Feeds
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceSource, feeds domain.Feeds, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, feeds: feeds, logger: logHandler(logger, "prices")}
}

type priceView struct {
	Pair string `json:"pair"`
	oracle.Price
}

// Latest returns one entry per configured feed.
// GET /api/prices
func (h *PriceHandler) Latest(w http.ResponseWriter, r *http.Request) {
	names := h.feeds.Names()
	ids := make([]common.Hash, 0, len(names))
	for _, n := range names {
		id, _ := h.feeds.ID(n)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"prices": []priceView{}})
		return
	}

	prices, err := h.prices.LatestPrices(r.Context(), ids...)
	if err != nil {
		h.logger.WarnContext(r.Context(), "oracle request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "price oracle unavailable")
		return
	}
	out := make([]priceView, 0, len(prices))
	for _, p := range prices {
		out = append(out, priceView{Pair: h.feeds.Label(p.Feed), Price: p})
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": out})
}
