package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/worker"
)

type RunsHandler struct {
	Store state.RunStore
	// RunLease is how long a processing run may go without a heartbeat
	// before it stops holding its site.
	RunLease time.Duration
}

type createRunRequest struct {
	Site          string `json:"site"`
	ModifiedAfter string `json:"modified_after"`
	DryRun        bool   `json:"dry_run"`
}

// Create queues a differ run. The store allows one queued or processing
// run per site; a second request gets 409 with the holder's run_id.
func (h RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	site := domain.CanonicalSite
	if req.Site != "" {
		site, err = domain.ParseSite(req.Site)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_site", err.Error())
			return
		}
	}

	var since time.Time
	if req.ModifiedAfter != "" {
		since, err = time.Parse(time.RFC3339, req.ModifiedAfter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_modified_after", "modified_after must be RFC3339")
			return
		}
		since = since.UTC()
	}

	if !h.reap(w, r) {
		return
	}

	run := state.RunRecord{
		RunID:         differ.NewRunID(),
		Site:          site,
		Trigger:       "operator:" + operatorctx.Subject(r.Context()),
		Status:        domain.RunStatusQueued,
		DryRun:        req.DryRun,
		ModifiedAfter: since,
		CreatedAt:     time.Now().UTC(),
	}
	err = h.Store.InsertRun(r.Context(), run)
	if errors.Is(err, state.ErrRunActive) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "run_in_progress",
			"message": "site already has an unfinished run",
			"run_id":  h.activeRunID(r, site),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "insert_run_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// reap fails abandoned runs so they neither block Create nor swallow cancels.
func (h RunsHandler) reap(w http.ResponseWriter, r *http.Request) bool {
	if _, err := worker.ReapAbandonedRuns(r.Context(), h.Store, h.RunLease, nil); err != nil {
		writeError(w, http.StatusInternalServerError, "reap_runs_failed", err.Error())
		return false
	}
	return true
}

func (h RunsHandler) activeRunID(r *http.Request, site domain.Site) string {
	recent, err := h.Store.ListRuns(r.Context(), 100)
	if err != nil {
		return ""
	}
	for _, run := range recent {
		if run.Site == site && run.Status.Active() {
			return run.RunID
		}
	}
	return ""
}

func (h RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), parseLimit(r, 50, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_runs_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (h RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (h RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.reap(w, r) {
		return
	}
	run, ok := h.load(w, r)
	if !ok {
		return
	}

	accepted, err := h.Store.RequestRunCancel(r.Context(), run.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "run_finished", "run already finished")
		return
	}

	run, _, err = h.Store.GetRun(r.Context(), run.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_run_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (h RunsHandler) Items(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}

	items, err := h.Store.ListRunItems(r.Context(), run.RunID, parseLimit(r, 500, 2000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_run_items_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.RunID, "items": items})
}

func (h RunsHandler) Sites(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}

	results, err := h.Store.ListRunSiteResults(r.Context(), run.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_run_sites_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.RunID, "sites": results})
}

func (h RunsHandler) load(w http.ResponseWriter, r *http.Request) (state.RunRecord, bool) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid_run_id", "run_id missing or invalid")
		return state.RunRecord{}, false
	}

	run, ok, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_run_failed", err.Error())
		return state.RunRecord{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return state.RunRecord{}, false
	}
	return run, true
}
