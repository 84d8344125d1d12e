package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/metrics"
	"github.com/ETAnderson/catalogsync/internal/state"
)

const (
	HeaderTopic      = "X-WC-Webhook-Topic"
	HeaderSource     = "X-WC-Webhook-Source"
	HeaderDeliveryID = "X-WC-Webhook-Delivery-ID"
	HeaderSignature  = "X-WC-Webhook-Signature"

	maxBodyBytes = 5 << 20
)

// Gateway accepts storefront webhooks and queues them for the worker.
// It answers 200 for every request it can read, including ones it drops,
// so the storefront never disables the webhook.
type Gateway struct {
	Queue state.EventQueue
	Sites config.Sites
	Log   logrus.FieldLogger

	now func() time.Time
}

func NewGateway(q state.EventQueue, sites config.Sites, log logrus.FieldLogger) *Gateway {
	return &Gateway{Queue: q, Sites: sites, Log: logging.OrDiscard(log)}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "method_not_allowed",
			"message": "use POST",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, Outcome{Status: StatusSkipped, Reason: "unreadable_body"})
		return
	}

	out := g.Accept(r.Context(), Notification{
		Topic:      r.Header.Get(HeaderTopic),
		Source:     r.Header.Get(HeaderSource),
		DeliveryID: r.Header.Get(HeaderDeliveryID),
		Signature:  r.Header.Get(HeaderSignature),
		SiteParam:  r.URL.Query().Get("site"),
		Body:       body,
	})
	writeJSON(w, http.StatusOK, out)
}

// Accept classifies n and, when it carries a product change, queues it.
func (g *Gateway) Accept(ctx context.Context, n Notification) Outcome {
	log := logging.OrDiscard(g.Log).WithFields(logrus.Fields{
		"topic":       n.Topic,
		"delivery_id": n.DeliveryID,
	})

	ev, out := Classify(n, g.Sites)
	if out.Status != StatusQueued {
		metrics.RecordWebhook(siteLabel(ev.Site), out.Status)
		log.WithField("reason", out.Reason).Info("webhook not queued")
		return out
	}
	log = log.WithFields(logrus.Fields{"site": ev.Site, "entity_id": ev.EntityID})

	if secret := g.Sites[ev.Site].WebhookSecret; secret != "" && !VerifySignature(secret, n.Body, n.Signature) {
		metrics.RecordWebhook(string(ev.Site), StatusSkipped)
		log.Warn("webhook signature mismatch")
		return Outcome{Status: StatusSkipped, Reason: "invalid_signature"}
	}

	ev.ID = uuid.NewString()
	ev.ReceivedAt = g.clock()

	queued, err := g.Queue.EnqueueEvent(ctx, ev)
	if err != nil {
		metrics.RecordWebhook(string(ev.Site), "error")
		log.WithError(err).Error("failed to queue webhook")
		return Outcome{Status: StatusSkipped, Reason: "queue_unavailable"}
	}
	if !queued {
		metrics.RecordWebhook(string(ev.Site), StatusDuplicate)
		log.Info("duplicate delivery")
		return Outcome{Status: StatusDuplicate}
	}

	metrics.RecordWebhook(string(ev.Site), StatusQueued)
	log.WithField("kind", ev.Kind).Debug("webhook queued")
	return out
}

func (g *Gateway) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now().UTC()
}

func siteLabel(site domain.Site) string {
	if site == "" {
		return "unknown"
	}
	return string(site)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
