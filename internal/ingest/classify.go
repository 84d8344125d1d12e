package ingest

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
)

// Outcome statuses returned to the notifier.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
	StatusFiltered  = "filtered"
	StatusSkipped   = "skipped"
)

// Notification is an inbound webhook as received.
type Notification struct {
	Topic      string
	Source     string
	DeliveryID string
	Signature  string
	SiteParam  string
	Body       []byte
}

type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// entityRef is the part of a payload needed to classify it.
type entityRef struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id"`
	Type     string `json:"type"`
	SKU      string `json:"sku"`
}

// Classify filters pings and turns n into an event. The returned event is
// only meaningful when the outcome status is StatusQueued.
func Classify(n Notification, sites config.Sites) (domain.ReconciliationEvent, Outcome) {
	body := bytes.TrimSpace(n.Body)
	if isPing(body) {
		return domain.ReconciliationEvent{}, Outcome{Status: StatusFiltered, Reason: "ping"}
	}

	site, ok := originSite(n, sites)
	if !ok {
		return domain.ReconciliationEvent{}, Outcome{Status: StatusSkipped, Reason: "unknown_site"}
	}

	entity, kind, ok := parseTopic(n.Topic)
	if !ok {
		return domain.ReconciliationEvent{}, Outcome{Status: StatusSkipped, Reason: "unsupported_topic"}
	}
	if entity == domain.EntityOrder {
		return domain.ReconciliationEvent{Site: site}, Outcome{Status: StatusSkipped, Reason: "order_topic"}
	}

	var ref entityRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return domain.ReconciliationEvent{Site: site}, Outcome{Status: StatusFiltered, Reason: "unstructured_body"}
	}
	if ref.ID <= 0 {
		return domain.ReconciliationEvent{Site: site}, Outcome{Status: StatusFiltered, Reason: "no_entity_id"}
	}

	ev := domain.ReconciliationEvent{
		DeliveryID:  strings.TrimSpace(n.DeliveryID),
		Site:        site,
		Topic:       n.Topic,
		Kind:        kind,
		EntityID:    ref.ID,
		DeclaredKey: strings.TrimSpace(ref.SKU),
		Payload:     json.RawMessage(append([]byte(nil), body...)),
	}
	if ref.ParentID > 0 || ref.Type == "variation" {
		if ref.ParentID <= 0 {
			return ev, Outcome{Status: StatusFiltered, Reason: "variation_without_parent"}
		}
		ev.VariantID = ref.ID
		ev.EntityID = ref.ParentID
		// a variation's sku is not the parent's key
		ev.DeclaredKey = ""
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = ContentDeliveryID(n.Topic, body)
	}
	return ev, Outcome{Status: StatusQueued}
}

// isPing matches the verification requests sent when a webhook is saved:
// an empty body or a form-encoded webhook_id.
func isPing(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if body[0] == '{' || body[0] == '[' {
		return false
	}
	v, err := url.ParseQuery(string(body))
	return err == nil && v.Get("webhook_id") != ""
}

func originSite(n Notification, sites config.Sites) (domain.Site, bool) {
	if n.SiteParam != "" {
		site, err := domain.ParseSite(n.SiteParam)
		return site, err == nil
	}
	return sites.SiteForSource(n.Source)
}

// parseTopic splits "product.updated" style topics.
func parseTopic(topic string) (domain.EntityKind, domain.EventKind, bool) {
	resource, event, ok := strings.Cut(strings.ToLower(strings.TrimSpace(topic)), ".")
	if !ok {
		return "", "", false
	}

	var ek domain.EntityKind
	switch resource {
	case "product":
		ek = domain.EntityProduct
	case "order":
		ek = domain.EntityOrder
	default:
		return "", "", false
	}

	switch domain.EventKind(event) {
	case domain.EventCreated, domain.EventUpdated, domain.EventDeleted, domain.EventRestored:
		return ek, domain.EventKind(event), true
	}
	return "", "", false
}
