// Package tools defines the tool kit agents may call mid-turn, and the
// registry that enforces per-persona allowlists.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/models"
)

// Call carries the invocation context a tool executes under.
type Call struct {
	AgentID        string
	ChannelID      string
	ConversationID string
	Arguments      json.RawMessage
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Spec() llm.ToolSpec
	Invoke(ctx context.Context, call Call) (string, error)
}

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 30 * time.Second

// Registry holds the available tools and resolves per-agent allowlists.
type Registry struct {
	tools   map[string]Tool
	timeout time.Duration
}

// NewRegistry creates a registry over the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		timeout: defaultToolTimeout,
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Specs returns the tool specs an agent with the given allowlist may use.
// An empty allowlist means no tools.
func (r *Registry) Specs(allowed []string) []llm.ToolSpec {
	var out []llm.ToolSpec
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			out = append(out, t.Spec())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists every registered tool.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke runs one tool call for the agent. Unknown or unauthorized tools and
// tool errors all come back wrapped in ErrToolFailed; the turn decides
// whether to surface that to the model or fail.
func (r *Registry) Invoke(ctx context.Context, name string, allowed []string, call Call) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown tool %q", models.ErrToolFailed, name)
	}
	permitted := false
	for _, a := range allowed {
		if a == name {
			permitted = true
			break
		}
	}
	if !permitted {
		return "", fmt.Errorf("%w: tool %q not allowed for agent %s", models.ErrToolFailed, name, call.AgentID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Invoke(callCtx, call)
	if err != nil {
		slog.Warn("Tool invocation failed",
			"tool", name, "agent_id", call.AgentID, "elapsed", time.Since(start), "error", err)
		return "", fmt.Errorf("%w: %s: %v", models.ErrToolFailed, name, err)
	}
	slog.Debug("Tool invoked",
		"tool", name, "agent_id", call.AgentID, "elapsed", time.Since(start))
	return result, nil
}
