package persistence

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the supported databases.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	name       string
	positional bool   // $1, $2 placeholders
	boolType   string // Column type for booleans
	floatType  string
	skipLocked bool // Claim with FOR UPDATE SKIP LOCKED
	uniqueErr  func(error) bool
}

var sqliteDialect = dialect{
	name:      "sqlite",
	boolType:  "INTEGER",
	floatType: "REAL",
	uniqueErr: isSQLiteUniqueViolation,
}

func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Timestamps are stored as unix milliseconds in both dialects.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) null.Int {
	if t == nil {
		return null.Int{}
	}
	return null.IntFrom(t.UnixMilli())
}

func millisPtr(n null.Int) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// Truncate rounds t to the precision of stored timestamps.
func Truncate(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

func nullJSON(b []byte) null.String {
	return null.NewString(string(b), len(b) > 0)
}

func jsonBytes(s null.String) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}
