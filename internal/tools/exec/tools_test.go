package exec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestExecToolRunsCommand(t *testing.T) {
	g := newTestGateway(t, Config{DefaultPolicy: fullNoAsk})
	tool := NewExecTool(g, testCaller)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo tool"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "tool") {
		t.Errorf("missing output: %q", res.Content)
	}

	var details ExecResult
	if err := json.Unmarshal(res.Details, &details); err != nil {
		t.Fatalf("parse details: %v", err)
	}
	if details.Status != StatusCompleted || details.SessionID == "" {
		t.Errorf("unexpected details: %+v", details)
	}
}

func TestExecToolRejectsMissingCommand(t *testing.T) {
	g := newTestGateway(t, Config{DefaultPolicy: fullNoAsk})
	tool := NewExecTool(g, testCaller)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for missing command")
	}
}

func TestProcessToolUnknownSession(t *testing.T) {
	g := newTestGateway(t, Config{DefaultPolicy: fullNoAsk})
	tool := NewProcessTool(g, testCaller)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"poll","sessionId":"nope"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result for unknown session")
	}
}

func TestProcessToolListAndLog(t *testing.T) {
	g := newTestGateway(t, Config{DefaultPolicy: fullNoAsk})
	execTool := NewExecTool(g, testCaller)
	procTool := NewProcessTool(g, testCaller)

	if _, err := execTool.Execute(context.Background(), json.RawMessage(`{"command":"echo listed"}`)); err != nil {
		t.Fatalf("exec: %v", err)
	}

	res, err := procTool.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(res.Content, "echo listed") {
		t.Errorf("missing session row: %q", res.Content)
	}

	var sessions []SessionSummary
	if err := json.Unmarshal(res.Details, &sessions); err != nil {
		t.Fatalf("parse details: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	logRes, err := procTool.Execute(context.Background(), json.RawMessage(`{"action":"log","sessionId":"`+sessions[0].SessionID+`"}`))
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(logRes.Content, "listed") {
		t.Errorf("missing log line: %q", logRes.Content)
	}
}
