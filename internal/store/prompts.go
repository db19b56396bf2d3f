package store

import (
	"context"
	"net/http"
	"net/url"
)

// ListPendingCustomPrompts returns pending custom prompts for a build,
// ordered by created_at ascending with id as a tie-break. This ordering is
// what fixes the splice order when several prompts land in one poll tick.
func (c *Client) ListPendingCustomPrompts(ctx context.Context, buildID string) ([]CustomPrompt, error) {
	q := url.Values{}
	q.Set("build_id", eq(buildID))
	q.Set("status", "eq."+string(CustomPromptPending))
	q.Set("select", "*")
	q.Set("order", "created_at.asc,id.asc")

	var rows []CustomPrompt
	if err := c.do(ctx, http.MethodGet, "custom_prompts", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SetCustomPromptStatus advances one custom prompt's status.
func (c *Client) SetCustomPromptStatus(ctx context.Context, promptID string, status CustomPromptStatus) error {
	q := url.Values{}
	q.Set("id", eq(promptID))

	_, err := c.patchRows(ctx, "custom_prompts", q, map[string]any{
		"status": status,
	})
	return err
}

// SkipOpenCustomPrompts marks every pending or injected prompt of a build as
// skipped. Called when the build terminates before consuming them.
func (c *Client) SkipOpenCustomPrompts(ctx context.Context, buildID string) error {
	q := url.Values{}
	q.Set("build_id", eq(buildID))
	q.Set("status", "in.(pending,injected)")

	_, err := c.patchRows(ctx, "custom_prompts", q, map[string]any{
		"status": CustomPromptSkipped,
	})
	return err
}
