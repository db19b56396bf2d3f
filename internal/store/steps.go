package store

import (
	"context"
	"net/http"
	"net/url"
)

// ListPlannedPrompts returns the build's prompt plan in ordinal order.
func (c *Client) ListPlannedPrompts(ctx context.Context, buildID string) ([]PlannedPrompt, error) {
	q := url.Values{}
	q.Set("build_id", eq(buildID))
	q.Set("select", "*")
	q.Set("order", "ordinal.asc")

	var rows []PlannedPrompt
	if err := c.do(ctx, http.MethodGet, "build_prompts", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateStep inserts a new step row. The store assigns the id when the
// caller leaves it empty; the created row is written back into step.
func (c *Client) CreateStep(ctx context.Context, step *Step) error {
	var rows []Step
	if err := c.do(ctx, http.MethodPost, "build_steps", nil, step, &rows); err != nil {
		return err
	}
	if len(rows) > 0 {
		*step = rows[0]
	}
	return nil
}

// UpdateStep patches a step row in place by id.
func (c *Client) UpdateStep(ctx context.Context, step *Step) error {
	q := url.Values{}
	q.Set("id", eq(step.ID))

	body := map[string]any{
		"status":  step.Status,
		"attempt": step.Attempt,
	}
	if step.StartedAt != nil {
		body["started_at"] = step.StartedAt
	}
	if step.EndedAt != nil {
		body["ended_at"] = step.EndedAt
	}
	if step.ErrorMessage != "" {
		body["error_message"] = step.ErrorMessage
	}

	_, err := c.patchRows(ctx, "build_steps", q, body)
	return err
}

// ListSteps returns all step rows for a build in ordinal order.
func (c *Client) ListSteps(ctx context.Context, buildID string) ([]Step, error) {
	q := url.Values{}
	q.Set("build_id", eq(buildID))
	q.Set("select", "*")
	q.Set("order", "ordinal.asc")

	var rows []Step
	if err := c.do(ctx, http.MethodGet, "build_steps", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
