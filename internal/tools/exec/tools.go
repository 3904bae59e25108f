package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/execd/internal/tools"
)

// ExecTool runs shell commands on the gateway host for one caller.
type ExecTool struct {
	gateway *Gateway
	caller  Caller
}

// NewExecTool binds the exec tool to a caller identity. The identity comes
// from the session, never from tool parameters.
func NewExecTool(gateway *Gateway, caller Caller) *ExecTool {
	return &ExecTool{gateway: gateway, caller: caller}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command on the gateway host. Commands may require approval; " +
		"long-running commands return a session id to manage with the process tool."
}

func (t *ExecTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory for the command.",
			},
			"env": map[string]interface{}{
				"type":        "object",
				"description": "Environment overrides (string values).",
			},
			"timeoutSec": map[string]interface{}{
				"type":        "integer",
				"description": "Kill the command after this many seconds.",
				"minimum":     0,
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Return immediately with a session id.",
			},
			"pty": map[string]interface{}{
				"type":        "boolean",
				"description": "Allocate a pseudo-terminal.",
			},
			"elevated": map[string]interface{}{
				"type":        "boolean",
				"description": "Request the elevated host policy.",
			},
			"container": map[string]interface{}{
				"type":        "string",
				"description": "Run inside the named container via docker exec.",
			},
			"security": map[string]interface{}{
				"type": "string",
				"enum": []string{"deny", "allowlist", "full"},
			},
			"ask": map[string]interface{}{
				"type": "string",
				"enum": []string{"never", "unknown", "always"},
			},
			"notifyOnExit": map[string]interface{}{
				"type":        "boolean",
				"description": "Send a notification when a backgrounded command exits.",
			},
			"notifyOnExitEmptySuccess": map[string]interface{}{
				"type":        "boolean",
				"description": "Notify even for a successful exit with no output.",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p ExecParams
	if err := json.Unmarshal(params, &p); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	res, err := t.gateway.Execute(ctx, t.caller, p)
	if err != nil {
		return toolError(err.Error()), nil
	}

	details, _ := json.Marshal(res)
	return &tools.Result{
		Content: renderExecResult(res),
		Details: details,
		IsError: res.Status == StatusDenied || res.Status == StatusFailed,
	}, nil
}

func renderExecResult(res *ExecResult) string {
	switch res.Status {
	case StatusApprovalPending:
		return fmt.Sprintf("Approval required (%s). Ask the user to approve or deny request %s.", res.Slug, res.ApprovalID)
	case StatusRunning:
		return fmt.Sprintf("Command running in background (session %s). %s", res.SessionID, res.Message)
	case StatusDenied, StatusFailed:
		return res.Message
	default:
		if res.Output == "" {
			return "(no output)"
		}
		return res.Output
	}
}

// ProcessTool inspects and manages exec sessions for one caller.
type ProcessTool struct {
	gateway *Gateway
	caller  Caller
}

// NewProcessTool binds the process tool to a caller identity.
func NewProcessTool(gateway *Gateway, caller Caller) *ProcessTool {
	return &ProcessTool{gateway: gateway, caller: caller}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Description() string {
	return "Manage background exec sessions (poll, log, list, kill, remove)."
}

func (t *ProcessTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: poll, log, list, kill, remove.",
			},
			"sessionId": map[string]interface{}{
				"type":        "string",
				"description": "Target session for actions other than list.",
			},
			"timeoutMs": map[string]interface{}{
				"type":        "integer",
				"description": "poll: wait up to this long for the session to exit.",
				"minimum":     0,
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "log: 0-based index of the first line to return.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "log: maximum number of lines to return.",
			},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type processParams struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	TimeoutMs int    `json:"timeoutMs"`
	Offset    *int   `json:"offset"`
	Limit     *int   `json:"limit"`
}

func (t *ProcessTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p processParams
	if err := json.Unmarshal(params, &p); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	action := strings.ToLower(strings.TrimSpace(p.Action))
	if action == "" {
		return toolError("action is required"), nil
	}
	if action != "list" && strings.TrimSpace(p.SessionID) == "" {
		return toolError("sessionId is required"), nil
	}

	switch action {
	case "poll":
		return t.poll(ctx, p)
	case "log":
		return t.log(p)
	case "list":
		return t.list()
	case "kill":
		return t.kill(p)
	case "remove":
		return t.remove(ctx, p)
	default:
		return toolError(fmt.Sprintf("unsupported action %q", action)), nil
	}
}

func (t *ProcessTool) poll(ctx context.Context, p processParams) (*tools.Result, error) {
	res, err := t.gateway.Poll(ctx, p.SessionID, t.caller.ScopeKey, time.Duration(p.TimeoutMs)*time.Millisecond)
	if err != nil {
		return toolError(err.Error()), nil
	}

	details, _ := json.Marshal(res)
	content := res.Output
	switch {
	case res.Status == StatusRunning && content == "":
		content = fmt.Sprintf("(no new output; poll again in %dms)", res.RetryInMs)
	case res.Status == StatusRunning:
		content += fmt.Sprintf("\n[still running; poll again in %dms]", res.RetryInMs)
	case content == "":
		content = fmt.Sprintf("(no output, %s)", res.Status)
	}
	return &tools.Result{Content: content, Details: details}, nil
}

func (t *ProcessTool) log(p processParams) (*tools.Result, error) {
	view, status, err := t.gateway.Log(p.SessionID, t.caller.ScopeKey, p.Offset, p.Limit)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var b strings.Builder
	if view.Notice != "" {
		b.WriteString("[" + view.Notice + "]\n")
	}
	for _, line := range view.Lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	details, _ := json.Marshal(map[string]interface{}{
		"status":     status,
		"offset":     view.Offset,
		"totalLines": view.TotalLines,
	})
	return &tools.Result{Content: b.String(), Details: details}, nil
}

func (t *ProcessTool) list() (*tools.Result, error) {
	sessions := t.gateway.List(t.caller.ScopeKey)
	if len(sessions) == 0 {
		return &tools.Result{Content: "No exec sessions."}, nil
	}

	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s  %-9s  %s", s.SessionID, s.Status, s.Command)
		if s.ExitCode != nil {
			fmt.Fprintf(&b, " (exit %d)", *s.ExitCode)
		}
		b.WriteByte('\n')
	}
	details, _ := json.Marshal(sessions)
	return &tools.Result{Content: b.String(), Details: details}, nil
}

func (t *ProcessTool) kill(p processParams) (*tools.Result, error) {
	if err := t.gateway.Kill(p.SessionID, t.caller.ScopeKey); err != nil {
		return toolError(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("Kill signal sent to session %s.", p.SessionID)}, nil
}

func (t *ProcessTool) remove(ctx context.Context, p processParams) (*tools.Result, error) {
	if err := t.gateway.Remove(ctx, p.SessionID, t.caller.ScopeKey); err != nil {
		return toolError(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("Session %s removed.", p.SessionID)}, nil
}

func toolError(message string) *tools.Result {
	return &tools.Result{Content: message, IsError: true}
}
