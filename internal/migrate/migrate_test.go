package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, got)
}

func TestApply_SQLiteIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, "sqlite"))
	require.NoError(t, Apply(ctx, db, "sqlite"))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)

	_, err = db.Exec(`INSERT INTO product_site_ids (site, site_id, canonical_key) VALUES ('com', 1, 'k')`)
	require.NoError(t, err)
}

func TestApply_SQLiteOneActiveRunPerSite(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)
	require.NoError(t, Apply(context.Background(), db, "sqlite"))

	insert := func(id, status string) error {
		_, err := db.Exec(`INSERT INTO diff_runs (run_id, site, trigger_source, status, message, created_at)
VALUES (?, 'com', 'manual', ?, '', CURRENT_TIMESTAMP)`, id, status)
		return err
	}
	require.NoError(t, insert("done", "completed"))
	require.NoError(t, insert("a", "queued"))
	require.Error(t, insert("b", "processing"))

	_, err = db.Exec(`UPDATE diff_runs SET status = 'failed' WHERE run_id = 'a'`)
	require.NoError(t, err)
	require.NoError(t, insert("b", "processing"))
}

func TestApply_UnknownDialect(t *testing.T) {
	require.Error(t, Apply(context.Background(), nil, "oracle"))
}
