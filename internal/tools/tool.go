// Package tools defines the contract between the agent runtime and the
// gateway's tool implementations.
package tools

import (
	"context"
	"encoding/json"
)

// Result is the payload a tool returns to the agent runtime.
type Result struct {
	Content string          `json:"content"`
	Details json.RawMessage `json:"details,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Tool is one callable tool exposed to the agent runtime.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}
