package state

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Name string

	// Placeholder style: '?' or '$n'.
	numbered bool
	// Row-lock clause for read-modify-write, empty when unsupported.
	forUpdate string
	// Row-lock clause for queue claims.
	forUpdateSkipLocked string
	// Transaction options for queue claims.
	claimTx *sql.TxOptions
}

var (
	MySQL = Dialect{
		Name:                "mysql",
		forUpdate:           " FOR UPDATE",
		forUpdateSkipLocked: " FOR UPDATE SKIP LOCKED",
		claimTx:             &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
	Postgres = Dialect{
		Name:                "postgres",
		numbered:            true,
		forUpdate:           " FOR UPDATE",
		forUpdateSkipLocked: " FOR UPDATE SKIP LOCKED",
		claimTx:             &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	}
	SQLite = Dialect{
		Name: "sqlite",
	}
)

// DialectFor maps a SQL STATE_BACKEND value onto its dialect.
func DialectFor(backend string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "mysql":
		return MySQL, nil
	case "postgres", "supabase":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown STATE_BACKEND %q (use memory, mysql, postgres or sqlite)", backend)
	}
}

// Rebind rewrites '?' placeholders for the dialect.
func (d Dialect) Rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// InsertIgnore builds an insert that silently skips duplicate keys.
func (d Dialect) InsertIgnore(table string, cols []string) string {
	base := "INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	if d.Name == MySQL.Name {
		return "INSERT IGNORE " + base
	}
	return "INSERT " + base + " ON CONFLICT DO NOTHING"
}

// Upsert builds an insert that overwrites updateCols on a key conflict.
func (d Dialect) Upsert(table string, cols, keyCols, updateCols []string) string {
	q := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	sets := make([]string, len(updateCols))
	if d.Name == MySQL.Name {
		for i, c := range updateCols {
			sets[i] = c + " = VALUES(" + c + ")"
		}
		return q + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range updateCols {
		sets[i] = c + " = excluded." + c
	}
	return q + " ON CONFLICT (" + strings.Join(keyCols, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}
