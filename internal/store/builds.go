package store

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// GetBuild fetches a single build row.
func (c *Client) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	q := url.Values{}
	q.Set("id", eq(buildID))
	q.Set("select", "*")
	q.Set("limit", "1")

	var rows []Build
	if err := c.do(ctx, http.MethodGet, "builds", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// SetBuildStatus transitions a build's status. The update is conditional on
// the row not already being terminal, so a stale writer can never clobber a
// completed, failed, or cancelled build. Returns ErrStatusConflict when the
// guard rejects the write.
func (c *Client) SetBuildStatus(ctx context.Context, buildID string, status BuildStatus) error {
	return c.setBuildStatus(ctx, buildID, status, "")
}

// FailBuild marks a build failed with a reason, subject to the terminal guard.
func (c *Client) FailBuild(ctx context.Context, buildID, reason string) error {
	return c.setBuildStatus(ctx, buildID, BuildStatusFailed, reason)
}

func (c *Client) setBuildStatus(ctx context.Context, buildID string, status BuildStatus, reason string) error {
	q := url.Values{}
	q.Set("id", eq(buildID))
	q.Set("status", nonTerminalFilter)

	body := map[string]any{
		"status":     status,
		"updated_at": nowUTC(),
	}
	if reason != "" {
		body["error_message"] = reason
	}

	n, err := c.patchRows(ctx, "builds", q, body)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Heartbeat writes the liveness timestamp. Guarded the same way as status
// writes: a heartbeat must not resurrect a terminal build.
func (c *Client) Heartbeat(ctx context.Context, buildID string) error {
	q := url.Values{}
	q.Set("id", eq(buildID))
	q.Set("status", nonTerminalFilter)

	now := nowUTC()
	_, err := c.patchRows(ctx, "builds", q, map[string]any{
		"last_heartbeat": now,
		"updated_at":     now,
	})
	return err
}

// ListActiveBuilds returns all builds currently in a non-terminal running
// state. Used by the dispatcher to rebuild its registry after a restart and
// by the reaper to detect lost workers.
func (c *Client) ListActiveBuilds(ctx context.Context) ([]Build, error) {
	q := url.Values{}
	q.Set("status", "in.(running,retrying)")
	q.Set("select", "*")
	q.Set("order", "created_at.asc")

	var rows []Build
	if err := c.do(ctx, http.MethodGet, "builds", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// HeartbeatStale reports whether a build's last heartbeat is older than the
// given threshold. A build that never heartbeat is judged by created_at.
func HeartbeatStale(b *Build, threshold time.Duration, now time.Time) bool {
	ref := b.CreatedAt
	if b.LastHeartbeat != nil {
		ref = *b.LastHeartbeat
	}
	return now.Sub(ref) > threshold
}
