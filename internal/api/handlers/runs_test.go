package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/state"
)

func newMux(st *state.MemoryStore) *http.ServeMux {
	mux := http.NewServeMux()
	Routes{
		Runs:     RunsHandler{Store: st},
		Products: ProductsHandler{Store: st},
		Review:   ReviewFlagsHandler{Store: st},
	}.Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req = req.WithContext(operatorctx.WithOperator(req.Context(), operatorctx.Operator{Subject: "ops", Role: operatorctx.RoleOperator}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRuns_CreateListGet(t *testing.T) {
	st := state.NewMemoryStore()
	mux := newMux(st)

	rec := do(t, mux, http.MethodPost, "/v1/runs", `{"site":"uk","modified_after":"2025-01-02T03:04:05Z","dry_run":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Run state.RunRecord `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if created.Run.Site != domain.SiteUK || !created.Run.DryRun || created.Run.Status != domain.RunStatusQueued {
		t.Fatalf("unexpected run: %+v", created.Run)
	}
	if created.Run.Trigger != "operator:ops" {
		t.Fatalf("expected trigger operator:ops, got %q", created.Run.Trigger)
	}
	if !created.Run.ModifiedAfter.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected modified_after: %v", created.Run.ModifiedAfter)
	}

	// A second run for the same site is refused while the first is unfinished.
	rec = do(t, mux, http.MethodPost, "/v1/runs", `{"site":"uk"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	// Empty body defaults to the canonical site.
	rec = do(t, mux, http.MethodPost, "/v1/runs", ``)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for default site, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/v1/runs?limit=10", "")
	var list struct {
		Items []state.RunRecord `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(list.Items))
	}

	rec = do(t, mux, http.MethodGet, "/v1/runs/"+created.Run.RunID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/v1/runs/run_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRuns_CreateRejectsBadInput(t *testing.T) {
	mux := newMux(state.NewMemoryStore())

	cases := map[string]string{
		"bad json":  `{`,
		"bad site":  `{"site":"us"}`,
		"bad since": `{"modified_after":"yesterday"}`,
	}
	for name, body := range cases {
		rec := do(t, mux, http.MethodPost, "/v1/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestRuns_CancelItemsSites(t *testing.T) {
	st := state.NewMemoryStore()
	mux := newMux(st)
	ctx := context.Background()

	_ = st.InsertRun(ctx, state.RunRecord{RunID: "run_a", Site: domain.SiteCOM, Status: domain.RunStatusQueued, CreatedAt: time.Now().UTC()})
	_ = st.InsertRunItems(ctx, "run_a", []state.RunItem{{SiteID: 5, CanonicalKey: "K", Action: domain.DiffActionInsert, Status: "ok"}})
	_ = st.UpsertRunSiteResult(ctx, state.RunSiteResult{RunID: "run_a", Site: domain.SiteUK, OkCount: 3})

	rec := do(t, mux, http.MethodPost, "/v1/runs/run_a/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	run, _, _ := st.GetRun(ctx, "run_a")
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected queued run to be cancelled, got %q", run.Status)
	}

	rec = do(t, mux, http.MethodPost, "/v1/runs/run_a/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finished run, got %d", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/v1/runs/run_a/items", "")
	var items struct {
		Items []state.RunItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(items.Items) != 1 || items.Items[0].CanonicalKey != "K" {
		t.Fatalf("unexpected items: %#v", items.Items)
	}

	rec = do(t, mux, http.MethodGet, "/v1/runs/run_a/sites", "")
	var sites struct {
		Sites []state.RunSiteResult `json:"sites"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sites); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(sites.Sites) != 1 || sites.Sites[0].OkCount != 3 {
		t.Fatalf("unexpected sites: %#v", sites.Sites)
	}
}

func TestRuns_AbandonedRunStopsBlockingSite(t *testing.T) {
	st := state.NewMemoryStore()
	mux := http.NewServeMux()
	Routes{Runs: RunsHandler{Store: st, RunLease: time.Millisecond}}.Register(mux)
	ctx := context.Background()

	_ = st.InsertRun(ctx, state.RunRecord{RunID: "run_dead", Site: domain.SiteFR, Status: domain.RunStatusQueued})
	if claims, err := st.ClaimRuns(ctx, 1); err != nil || len(claims) != 1 {
		t.Fatalf("ClaimRuns: claims=%v err=%v", claims, err)
	}
	time.Sleep(5 * time.Millisecond)

	rec := do(t, mux, http.MethodPost, "/v1/runs/run_dead/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for abandoned run, got %d: %s", rec.Code, rec.Body.String())
	}
	dead, _, _ := st.GetRun(ctx, "run_dead")
	if dead.Status != domain.RunStatusFailed {
		t.Fatalf("expected abandoned run failed, got %q", dead.Status)
	}

	rec = do(t, mux, http.MethodPost, "/v1/runs", `{"site":"fr"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 once the abandoned run is reaped, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRuns_CreateConflictNamesActiveRun(t *testing.T) {
	st := state.NewMemoryStore()
	mux := newMux(st)
	_ = st.InsertRun(context.Background(), state.RunRecord{RunID: "run_busy", Site: domain.SiteDE, Status: domain.RunStatusQueued})

	rec := do(t, mux, http.MethodPost, "/v1/runs", `{"site":"de"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if body["error"] != "run_in_progress" || body["run_id"] != "run_busy" {
		t.Fatalf("unexpected conflict body: %v", body)
	}
}
