package handlers

import (
	"net/http"

	"github.com/ETAnderson/catalogsync/internal/state"
)

type ReviewFlagsHandler struct {
	Store state.ReviewStore
}

func (h ReviewFlagsHandler) List(w http.ResponseWriter, r *http.Request) {
	flags, err := h.Store.ListReviewFlags(r.Context(), parseLimit(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_review_flags_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": flags})
}
