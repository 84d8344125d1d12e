package handlers

import (
	"net/http"

	"github.com/ETAnderson/catalogsync/internal/metrics"
)

// Routes groups the operator API handlers.
type Routes struct {
	Runs      RunsHandler
	Products  ProductsHandler
	Review    ReviewFlagsHandler
	RunEvents http.Handler

	// Webhook is mounted without Protect.
	Webhook http.Handler

	// Protect wraps every operator route (auth, idempotency).
	Protect func(http.Handler) http.Handler
}

func (rt Routes) Register(mux *http.ServeMux) {
	protect := rt.Protect
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}
	p := func(f http.HandlerFunc) http.Handler { return protect(f) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	if rt.Webhook != nil {
		mux.Handle("/v1/webhooks/woocommerce", rt.Webhook)
	}

	mux.Handle("POST /v1/runs", p(rt.Runs.Create))
	mux.Handle("GET /v1/runs", p(rt.Runs.List))
	mux.Handle("GET /v1/runs/{id}", p(rt.Runs.Get))
	mux.Handle("POST /v1/runs/{id}/cancel", p(rt.Runs.Cancel))
	mux.Handle("GET /v1/runs/{id}/items", p(rt.Runs.Items))
	mux.Handle("GET /v1/runs/{id}/sites", p(rt.Runs.Sites))
	if rt.RunEvents != nil {
		mux.Handle("GET /v1/runs/events", protect(rt.RunEvents))
	}

	mux.Handle("GET /v1/products", p(rt.Products.List))
	mux.Handle("GET /v1/products/{key}", p(rt.Products.Get))
	mux.Handle("PUT /v1/products/{key}/sites/{site}", p(rt.Products.Link))

	mux.Handle("GET /v1/review-flags", p(rt.Review.List))
}
