package store

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AppendLog inserts one log row. Rows are append-only.
func (c *Client) AppendLog(ctx context.Context, row *LogRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	return c.do(ctx, http.MethodPost, "build_logs", nil, row, nil)
}

// ListLogsSince returns log rows for a build created after the given
// timestamp, oldest first. Used by the log streaming endpoint to push deltas.
func (c *Client) ListLogsSince(ctx context.Context, buildID string, since time.Time, limit int) ([]LogRow, error) {
	q := url.Values{}
	q.Set("build_id", eq(buildID))
	q.Set("created_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	q.Set("select", "*")
	q.Set("order", "created_at.asc,id.asc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var rows []LogRow
	if err := c.do(ctx, http.MethodGet, "build_logs", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
