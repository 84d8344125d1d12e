package state

import (
	"context"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

var eventCols = []string{
	"event_id", "delivery_id", "site", "topic", "kind", "entity_id", "variant_id",
	"declared_key", "payload", "status", "attempts", "last_error", "received_at", "created_at", "updated_at",
}

func (s *SQLStore) EnqueueEvent(ctx context.Context, ev domain.ReconciliationEvent) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(s.d.InsertIgnore("sync_events", eventCols)),
		ev.ID, ev.DeliveryID, string(ev.Site), ev.Topic, string(ev.Kind), ev.EntityID, ev.VariantID,
		ev.DeclaredKey, string(ev.Payload), string(EventQueued), 0, "", ev.ReceivedAt, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ClaimEvents(ctx context.Context, limit int, staleBefore time.Time) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.db.BeginTx(ctx, s.d.claimTx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`
SELECT event_id, delivery_id, site, topic, kind, entity_id, variant_id, declared_key, payload,
       attempts, last_error, received_at, created_at
FROM sync_events
WHERE status = 'queued' OR (status = 'processing' AND updated_at < ?)
ORDER BY created_at ASC, event_id ASC
LIMIT ?`+s.d.forUpdateSkipLocked), staleBefore, limit)
	if err != nil {
		return nil, err
	}

	var claims []EventRecord
	for rows.Next() {
		var r EventRecord
		var site, kind, payload string
		if err := rows.Scan(
			&r.Event.ID, &r.Event.DeliveryID, &site, &r.Event.Topic, &kind, &r.Event.EntityID,
			&r.Event.VariantID, &r.Event.DeclaredKey, &payload, &r.Attempts, &r.LastError,
			&r.Event.ReceivedAt, &r.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		r.Event.Site = domain.Site(site)
		r.Event.Kind = domain.EventKind(kind)
		if payload != "" {
			r.Event.Payload = []byte(payload)
		}
		claims = append(claims, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := s.now()
	for i := range claims {
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE sync_events
SET status = 'processing', attempts = attempts + 1, updated_at = ?
WHERE event_id = ? AND (status = 'queued' OR (status = 'processing' AND updated_at < ?))
`), now, claims[i].Event.ID, staleBefore); err != nil {
			return nil, err
		}
		claims[i].Status = EventProcessing
		claims[i].Attempts++
		claims[i].UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *SQLStore) FinishEvent(ctx context.Context, eventID string, status EventStatus, message string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE sync_events
SET status = ?, last_error = ?, updated_at = ?
WHERE event_id = ?
`), string(status), message, s.now(), eventID)
	return err
}
