package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/lorekeeper/internal/memo"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
)

const (
	ToolSearchMemos = "search_memos"
	maxToolLimit    = 10
)

func toolDefinitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name:        ToolSearchMemos,
			Description: "Search the workspace's knowledge memos by meaning. Use it when the context you were given does not answer the question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for, phrased as a statement or question",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of memos to return (1-10)",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// runTool executes one tool call. The returned text is always fed back to
// the model; err marks the step failed.
func (r *Responder) runTool(ctx context.Context, workspaceID string, call model.ToolCall) (string, error) {
	switch call.Name {
	case ToolSearchMemos:
		query, _ := call.Arguments["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			metrics.AgentToolCalls.WithLabelValues(call.Name, "invalid").Inc()
			return "search_memos needs a non-empty query.", fmt.Errorf("search_memos: empty query")
		}
		limit := intArg(call.Arguments["limit"], r.memoLimit)
		if limit > maxToolLimit {
			limit = maxToolLimit
		}
		hits, err := r.memos.Search(ctx, workspaceID, query, limit)
		if err != nil {
			metrics.AgentToolCalls.WithLabelValues(call.Name, "error").Inc()
			return "", fmt.Errorf("search_memos: %w", err)
		}
		metrics.AgentToolCalls.WithLabelValues(call.Name, "ok").Inc()
		return formatHits(hits), nil
	default:
		metrics.AgentToolCalls.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Sprintf("Unknown tool %q.", call.Name), fmt.Errorf("unknown tool %q", call.Name)
	}
}

func formatHits(hits []memo.Hit) string {
	if len(hits) == 0 {
		return "No memos matched."
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, h.Memo.Category, h.Memo.Summary)
		if len(h.Memo.Topics) > 0 {
			fmt.Fprintf(&b, " (topics: %s)", strings.Join(h.Memo.Topics, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func intArg(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		if n >= 1 {
			return int(n)
		}
	case int:
		if n >= 1 {
			return n
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i >= 1 {
			return int(i)
		}
	}
	return fallback
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
