package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

// SQLStore implements Store on MySQL, Postgres or SQLite.
// Product documents are JSON; product_site_ids indexes them by site ID.
type SQLStore struct {
	db *sql.DB
	d  Dialect

	now func() time.Time
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, d: d, now: func() time.Time { return time.Now().UTC() }}
}

func NewMySQLStore(db *sql.DB) *SQLStore    { return NewSQLStore(db, MySQL) }
func NewPostgresStore(db *sql.DB) *SQLStore { return NewSQLStore(db, Postgres) }
func NewSQLiteStore(db *sql.DB) *SQLStore   { return NewSQLStore(db, SQLite) }

func (s *SQLStore) q(query string) string { return s.d.Rebind(query) }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func decodeProduct(doc []byte) (domain.CanonicalProduct, error) {
	var p domain.CanonicalProduct
	if err := json.Unmarshal(doc, &p); err != nil {
		return p, fmt.Errorf("decode product doc: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetProduct(ctx context.Context, key string) (domain.CanonicalProduct, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT doc FROM products WHERE canonical_key = ? AND doc IS NOT NULL`), key,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CanonicalProduct{}, false, nil
	}
	if err != nil {
		return domain.CanonicalProduct{}, false, err
	}
	p, err := decodeProduct(doc)
	return p, err == nil, err
}

func (s *SQLStore) GetProductBySiteID(ctx context.Context, site domain.Site, siteID int64) (domain.CanonicalProduct, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT p.doc
FROM product_site_ids i
JOIN products p ON p.canonical_key = i.canonical_key
WHERE i.site = ? AND i.site_id = ? AND p.doc IS NOT NULL
`), string(site), siteID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CanonicalProduct{}, false, nil
	}
	if err != nil {
		return domain.CanonicalProduct{}, false, err
	}
	p, err := decodeProduct(doc)
	return p, err == nil, err
}

func (s *SQLStore) ListProductsBySite(ctx context.Context, site domain.Site) ([]domain.CanonicalProduct, error) {
	return s.queryProducts(ctx, s.q(`
SELECT p.doc
FROM product_site_ids i
JOIN products p ON p.canonical_key = i.canonical_key
WHERE i.site = ? AND p.doc IS NOT NULL
ORDER BY p.canonical_key
`), string(site))
}

func (s *SQLStore) ListProducts(ctx context.Context, afterKey string, limit int) ([]domain.CanonicalProduct, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryProducts(ctx, s.q(`
SELECT doc
FROM products
WHERE canonical_key > ? AND doc IS NOT NULL
ORDER BY canonical_key
LIMIT ?
`), afterKey, limit)
}

func (s *SQLStore) queryProducts(ctx context.Context, query string, args ...any) ([]domain.CanonicalProduct, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CanonicalProduct
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := decodeProduct(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MutateProduct locks the row (inserting a placeholder when absent), applies
// fn and rewrites the document and its site-id index in one transaction.
func (s *SQLStore) MutateProduct(ctx context.Context, key string, fn ProductMutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		s.q(s.d.InsertIgnore("products", []string{"canonical_key", "created_at", "updated_at"})),
		key, now, now,
	); err != nil {
		return fmt.Errorf("reserve product row: %w", err)
	}

	var doc []byte
	if err := tx.QueryRowContext(ctx,
		s.q(`SELECT doc FROM products WHERE canonical_key = ?`+s.d.forUpdate), key,
	).Scan(&doc); err != nil {
		return fmt.Errorf("lock product row: %w", err)
	}

	var cur *domain.CanonicalProduct
	if len(doc) > 0 {
		p, err := decodeProduct(doc)
		if err != nil {
			return err
		}
		cur = &p
	}

	next, err := fn(cur)
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM product_site_ids WHERE canonical_key = ?`), key); err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM products WHERE canonical_key = ?`), key); err != nil {
			return err
		}
		return tx.Commit()
	}

	next.Key = key
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE products SET doc = ?, updated_at = ? WHERE canonical_key = ?`),
		string(b), now, key,
	); err != nil {
		return err
	}

	var indexErr error
	next.Sites.Each(func(site domain.Site, e *domain.SiteEntry) {
		if indexErr != nil || e.ID <= 0 {
			return
		}
		var owner string
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT canonical_key FROM product_site_ids WHERE site = ? AND site_id = ?`),
			string(site), e.ID,
		).Scan(&owner)
		switch {
		case err == nil:
			indexErr = fmt.Errorf("%w: %s/%d owned by %s", ErrSiteIDConflict, site, e.ID, owner)
			return
		case !errors.Is(err, sql.ErrNoRows):
			indexErr = err
			return
		}
		_, indexErr = tx.ExecContext(ctx,
			s.q(`INSERT INTO product_site_ids (site, site_id, canonical_key) VALUES (?, ?, ?)`),
			string(site), e.ID, key,
		)
	})
	if indexErr != nil {
		return indexErr
	}

	return tx.Commit()
}

func (s *SQLStore) DeleteProduct(ctx context.Context, key string) error {
	return s.MutateProduct(ctx, key, func(*domain.CanonicalProduct) (*domain.CanonicalProduct, error) {
		return nil, nil
	})
}

func (s *SQLStore) InsertReviewFlag(ctx context.Context, flag ReviewFlag) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO review_flags (flag_id, canonical_key, site, site_id, conflicting_site_id, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), flag.FlagID, flag.CanonicalKey, string(flag.Site), flag.SiteID, flag.ConflictingSiteID, flag.Reason, flag.CreatedAt)
	return err
}

func (s *SQLStore) ListReviewFlags(ctx context.Context, limit int) ([]ReviewFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT flag_id, canonical_key, site, site_id, conflicting_site_id, reason, created_at
FROM review_flags
ORDER BY created_at DESC
LIMIT ?
`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewFlag
	for rows.Next() {
		var f ReviewFlag
		var site string
		if err := rows.Scan(&f.FlagID, &f.CanonicalKey, &site, &f.SiteID, &f.ConflictingSiteID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Site = domain.Site(site)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT request_hash, status_code, body, expires_at, created_at
FROM idempotency_records
WHERE subject = ? AND endpoint = ? AND key_hash = ? AND expires_at > ?
`), subject, endpoint, idemKeyHash, s.now()).Scan(&rec.RequestHash, &rec.StatusCode, &rec.BodyJSON, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) PutIdempotency(ctx context.Context, subject string, endpoint string, idemKeyHash string, rec IdempotencyRecord) error {
	cols := []string{"subject", "endpoint", "key_hash", "request_hash", "status_code", "body", "expires_at", "created_at"}
	_, err := s.db.ExecContext(ctx,
		s.q(s.d.Upsert("idempotency_records", cols, cols[:3], cols[3:])),
		subject, endpoint, idemKeyHash, rec.RequestHash, rec.StatusCode, rec.BodyJSON, rec.ExpiresAt, rec.CreatedAt,
	)
	return err
}
