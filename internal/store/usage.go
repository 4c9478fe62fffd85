package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
)

type UsageSummary struct {
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
	CostCents    float64
}

func (e *Engine) RecordUsage(ctx context.Context, rec chat.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO ai_usage (workspace_id, model, capability, input_tokens, output_tokens, cost_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.WorkspaceID, rec.Model, rec.Capability, rec.InputTokens, rec.OutputTokens, rec.CostCents, toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// MonthlySpendCents sums the workspace's spend in the calendar month (UTC) of now.
func (e *Engine) MonthlySpendCents(ctx context.Context, workspaceID string, now time.Time) (float64, error) {
	start := monthStart(now)
	var total sql.NullFloat64
	err := e.db.QueryRowContext(ctx, `
		SELECT SUM(cost_cents) FROM ai_usage WHERE workspace_id = ? AND created_at >= ?
	`, workspaceID, toMillis(start)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Float64, nil
}

func (e *Engine) MonthlyLimitCents(ctx context.Context, workspaceID string) (float64, bool, error) {
	var limit float64
	err := e.db.QueryRowContext(ctx, `
		SELECT monthly_limit_cents FROM workspace_budgets WHERE workspace_id = ?
	`, workspaceID).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		if e.defaultLimitCents > 0 {
			return e.defaultLimitCents, true, nil
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load budget: %w", err)
	}
	return limit, true, nil
}

func (e *Engine) SetMonthlyLimit(ctx context.Context, workspaceID string, cents float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO workspace_budgets (workspace_id, monthly_limit_cents) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET monthly_limit_cents = excluded.monthly_limit_cents
	`, workspaceID, cents)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// UsageByModel summarises this month's ledger for a workspace.
func (e *Engine) UsageByModel(ctx context.Context, workspaceID string, now time.Time) ([]UsageSummary, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_cents)
		FROM ai_usage WHERE workspace_id = ? AND created_at >= ?
		GROUP BY model ORDER BY SUM(cost_cents) DESC, model ASC
	`, workspaceID, toMillis(monthStart(now)))
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var s UsageSummary
		if err := rows.Scan(&s.Model, &s.Calls, &s.InputTokens, &s.OutputTokens, &s.CostCents); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func monthStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
