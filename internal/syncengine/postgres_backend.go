package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgresBackend opens a shared server-side backend. Multiple engine
// processes can point at the same database; FOR UPDATE SKIP LOCKED keeps
// concurrent drains from claiming the same records.
func NewPostgresBackend(dsn string, opts BackendOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres backend: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres backend: %w", err)
	}
	b := &sqlBackend{
		db:         db,
		rebind:     rebindPositional,
		lockSuffix: " FOR UPDATE SKIP LOCKED",
		maxDead:    opts.maxDead(),
		maxRetries: opts.maxRetries(),
	}
	if err := b.ensureSchema(ctx, sqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// rebindPositional rewrites ? placeholders into the $1..$n form lib/pq
// expects. Queries here never contain literal question marks.
func rebindPositional(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
