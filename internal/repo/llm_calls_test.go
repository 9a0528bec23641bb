package repo

import (
	"context"
	"testing"
)

func newLLMCallsTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := New("sqlite://file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	_, err = r.db.Exec(`CREATE TABLE llm_call_logs (
		id TEXT PRIMARY KEY, workspace_id TEXT, execution_id TEXT, provider TEXT, model TEXT,
		tokens_prompt INTEGER, tokens_completion INTEGER, latency_ms INTEGER,
		metadata BLOB, created_at DATETIME
	)`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return r
}

func TestRepository_LogAndListLLMCalls(t *testing.T) {
	r := newLLMCallsTestRepository(t)
	ctx := context.Background()

	err := r.LogLLMCall(ctx, "ws1", "exec1", "openai", "gpt-4", 120, 45, 800, map[string]interface{}{"task_type": "code_review"})
	if err != nil {
		t.Fatalf("log llm call: %v", err)
	}
	err = r.LogLLMCall(ctx, "ws1", "exec2", "anthropic", "claude-3-opus", 200, 80, 1200, nil)
	if err != nil {
		t.Fatalf("log llm call: %v", err)
	}

	calls, err := r.ListLLMCalls(ctx, "ws1", 0)
	if err != nil {
		t.Fatalf("list llm calls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Provider != "anthropic" {
		t.Fatalf("expected most recent call first (anthropic), got %s", calls[0].Provider)
	}
	if calls[1].Metadata["task_type"] != "code_review" {
		t.Fatalf("expected decoded metadata, got %+v", calls[1].Metadata)
	}
}
