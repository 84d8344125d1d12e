package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/state"
)

var testSites = config.Sites{
	domain.SiteCOM: {BaseURL: "https://shop.example.com"},
	domain.SiteUK:  {BaseURL: "https://shop.example.co.uk", WebhookSecret: "s3cret"},
	domain.SiteDE:  {BaseURL: "https://shop.example.de"},
}

func post(t *testing.T, g *Gateway, target string, headers map[string]string, body string) Outcome {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out Outcome
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func TestGateway_QueuesAndDedupes(t *testing.T) {
	st := state.NewMemoryStore()
	g := NewGateway(st, testSites, nil)

	h := map[string]string{
		HeaderTopic:      "product.updated",
		HeaderSource:     "https://shop.example.com/",
		HeaderDeliveryID: "d-1",
	}
	body := `{"id":501,"name":"Example United Home 2024/25","sku":"EXA-2425-HOM-STD-501"}`

	if out := post(t, g, "/v1/webhooks/woocommerce", h, body); out.Status != StatusQueued {
		t.Fatalf("expected queued, got %+v", out)
	}
	if out := post(t, g, "/v1/webhooks/woocommerce", h, body); out.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", out)
	}

	recs, err := st.ClaimEvents(context.Background(), 10, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(recs))
	}
	ev := recs[0].Event
	if ev.Site != domain.SiteCOM || ev.EntityID != 501 || ev.Kind != domain.EventUpdated {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DeclaredKey != "EXA-2425-HOM-STD-501" {
		t.Fatalf("expected declared key, got %q", ev.DeclaredKey)
	}
}

func TestGateway_FiltersPingsAndMalformedBodies(t *testing.T) {
	g := NewGateway(state.NewMemoryStore(), testSites, nil)

	cases := map[string]string{
		"empty":      "",
		"form ping":  "webhook_id=42",
		"not json":   "<html>oops</html>",
		"no id":      `{"name":"x"}`,
		"zero id":    `{"id":0}`,
		"array body": `[1,2]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			out := post(t, g, "/v1/webhooks/woocommerce?site=com", map[string]string{HeaderTopic: "product.updated"}, body)
			if out.Status != StatusFiltered {
				t.Fatalf("expected filtered, got %+v", out)
			}
		})
	}
}

func TestGateway_SkipsOrdersUnknownSitesAndBadSignatures(t *testing.T) {
	g := NewGateway(state.NewMemoryStore(), testSites, nil)

	out := post(t, g, "/v1/webhooks/woocommerce?site=com", map[string]string{HeaderTopic: "order.created"}, `{"id":9}`)
	if out.Status != StatusSkipped || out.Reason != "order_topic" {
		t.Fatalf("expected order skip, got %+v", out)
	}

	out = post(t, g, "/v1/webhooks/woocommerce", map[string]string{HeaderTopic: "product.updated", HeaderSource: "https://nope.test"}, `{"id":9}`)
	if out.Reason != "unknown_site" {
		t.Fatalf("expected unknown_site, got %+v", out)
	}

	out = post(t, g, "/v1/webhooks/woocommerce?site=uk", map[string]string{HeaderTopic: "product.updated", HeaderSignature: "bogus"}, `{"id":9}`)
	if out.Reason != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %+v", out)
	}

	body := `{"id":9}`
	out = post(t, g, "/v1/webhooks/woocommerce?site=uk", map[string]string{HeaderTopic: "product.updated", HeaderSignature: Sign("s3cret", []byte(body))}, body)
	if out.Status != StatusQueued {
		t.Fatalf("expected signed delivery to queue, got %+v", out)
	}
}

func TestGateway_VariationRedirectsToParent(t *testing.T) {
	st := state.NewMemoryStore()
	g := NewGateway(st, testSites, nil)

	out := post(t, g, "/v1/webhooks/woocommerce?site=de",
		map[string]string{HeaderTopic: "product.updated"},
		`{"id":812,"parent_id":800,"type":"variation","sku":"EXA-M"}`)
	if out.Status != StatusQueued {
		t.Fatalf("expected queued, got %+v", out)
	}

	recs, _ := st.ClaimEvents(context.Background(), 10, time.Now().UTC())
	if len(recs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recs))
	}
	ev := recs[0].Event
	if ev.EntityID != 800 || ev.VariantID != 812 || !ev.IsVariant() {
		t.Fatalf("expected parent redirect, got %+v", ev)
	}
	if ev.DeclaredKey != "" {
		t.Fatalf("variation sku must not become the parent key, got %q", ev.DeclaredKey)
	}
	if ev.DeliveryID == "" {
		t.Fatalf("expected synthetic delivery id")
	}
}

func TestGateway_MissingDeliveryIDDedupesByContent(t *testing.T) {
	st := state.NewMemoryStore()
	g := NewGateway(st, testSites, nil)
	h := map[string]string{HeaderTopic: "product.deleted"}

	if out := post(t, g, "/v1/webhooks/woocommerce?site=com", h, `{"id": 5}`); out.Status != StatusQueued {
		t.Fatalf("expected queued, got %+v", out)
	}
	if out := post(t, g, "/v1/webhooks/woocommerce?site=com", h, `{"id":5}`); out.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", out)
	}
}

func TestGateway_RejectsNonPost(t *testing.T) {
	g := NewGateway(state.NewMemoryStore(), testSites, nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/webhooks/woocommerce", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestContentDeliveryID_TopicMatters(t *testing.T) {
	a := ContentDeliveryID("product.updated", []byte(`{"id":1}`))
	b := ContentDeliveryID("product.deleted", []byte(`{"id":1}`))
	if a == b {
		t.Fatalf("expected distinct ids per topic")
	}
	if a != ContentDeliveryID("product.updated", []byte("{ \"id\" : 1 }\n")) {
		t.Fatalf("expected whitespace-insensitive id")
	}
}
