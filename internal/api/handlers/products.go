package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/reconcile"
	"github.com/ETAnderson/catalogsync/internal/state"
)

type Linker interface {
	LinkSite(ctx context.Context, key string, site domain.Site, siteID int64) error
}

type ProductsHandler struct {
	Store  state.ProductStore
	Linker Linker
}

// List pages by key (?after=&limit=), or looks up one site ID (?site=&id=).
func (h ProductsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("site") != "" || q.Get("id") != "" {
		h.lookup(w, r)
		return
	}

	limit := parseLimit(r, 100, 500)
	items, err := h.Store.ListProducts(r.Context(), q.Get("after"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_products_failed", err.Error())
		return
	}

	resp := map[string]any{"items": items}
	if len(items) == limit {
		resp["next_after"] = items[len(items)-1].Key
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h ProductsHandler) lookup(w http.ResponseWriter, r *http.Request) {
	site, err := domain.ParseSite(r.URL.Query().Get("site"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_site", err.Error())
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return
	}

	p, ok, err := h.Store.GetProductBySiteID(r.Context(), site, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_product_failed", err.Error())
		return
	}
	items := []domain.CanonicalProduct{}
	if ok {
		items = append(items, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h ProductsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	p, ok, err := h.Store.GetProduct(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_product_failed", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "product not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": p})
}

// Link records a site's numeric ID on an existing product so the next diff
// run picks it up and backfills the key.
func (h ProductsHandler) Link(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	site, err := domain.ParseSite(r.PathValue("site"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_site", err.Error())
		return
	}

	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return
	}

	err = h.Linker.LinkSite(r.Context(), key, site, req.ID)
	switch {
	case errors.Is(err, reconcile.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "not_found", "product not found")
		return
	case errors.Is(err, state.ErrSiteIDConflict):
		writeError(w, http.StatusConflict, "site_id_conflict", err.Error())
		return
	case errors.Is(err, reconcile.ErrInvalidDelta):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "link_failed", err.Error())
		return
	}

	p, _, err := h.Store.GetProduct(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_product_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": p})
}
