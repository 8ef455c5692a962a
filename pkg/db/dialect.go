package db

import (
	"strconv"
	"strings"
)

// dialect captures the few places where Postgres and SQLite disagree.
type dialect struct {
	name      string
	numbered  bool // $1 style placeholders
	timeType  string
	blobType  string
	serialKey string
	// nextVersion bumps the per-document counter and returns the new value.
	nextVersion string
}

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	timeType:  "TIMESTAMP WITH TIME ZONE",
	blobType:  "BYTEA",
	serialKey: "BIGSERIAL PRIMARY KEY",
	nextVersion: `
		INSERT INTO document_version_counters (document_type, document_id, last_version)
		VALUES (?, ?, 1)
		ON CONFLICT (document_type, document_id)
		DO UPDATE SET last_version = document_version_counters.last_version + 1
		RETURNING last_version`,
}

var sqliteDialect = dialect{
	name:      "sqlite3",
	timeType:  "TIMESTAMP",
	blobType:  "BLOB",
	serialKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
	nextVersion: `
		INSERT INTO document_version_counters (document_type, document_id, last_version)
		VALUES (?, ?, 1)
		ON CONFLICT (document_type, document_id)
		DO UPDATE SET last_version = last_version + 1
		RETURNING last_version`,
}

// rebind rewrites ? placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
