package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

// slowQueryTracer logs statements that take at least threshold, and
// failed statements at Debug.
type slowQueryTracer struct {
	threshold time.Duration
	now       func() time.Time
}

func (t *slowQueryTracer) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: t.clock()})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := t.clock().Sub(start.at)
	stmt := compactSQL(start.sql)

	if data.Err != nil {
		slog.DebugContext(ctx, "query failed", "sql", stmt, "duration_ms", elapsed.Milliseconds(), "error", data.Err)
		return
	}
	if elapsed >= t.threshold {
		slog.WarnContext(ctx, "slow query", "sql", stmt, "duration_ms", elapsed.Milliseconds(),
			"rows", data.CommandTag.RowsAffected())
	}
}

// compactSQL collapses whitespace and truncates long statements for logs.
func compactSQL(sql string) string {
	const maxLen = 200
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
