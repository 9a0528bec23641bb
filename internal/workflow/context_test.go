package workflow

import "testing"

func TestContext_GetStepInput_FlatKeyTakesPrecedenceOverNestedPath(t *testing.T) {
	ctx := NewContext("exec1", "ws1", "proj1", "", nil)
	ctx.SetStepOutput("step1", map[string]interface{}{
		"summary": "done",
		"result": map[string]interface{}{
			"files": []interface{}{
				map[string]interface{}{"name": "a.go"},
				map[string]interface{}{"name": "b.go"},
			},
		},
	})

	if got := ctx.GetStepInput("steps.step1.summary", "missing"); got != "done" {
		t.Fatalf("expected flat key lookup to return 'done', got %v", got)
	}
}

func TestContext_GetStepInput_ResolvesNestedPathViaGJSON(t *testing.T) {
	ctx := NewContext("exec1", "ws1", "proj1", "", nil)
	ctx.SetStepOutput("step1", map[string]interface{}{
		"result": map[string]interface{}{
			"files": []interface{}{
				map[string]interface{}{"name": "a.go"},
				map[string]interface{}{"name": "b.go"},
			},
		},
	})

	got := ctx.GetStepInput("steps.step1.result.files.1.name", "missing")
	if got != "b.go" {
		t.Fatalf("expected nested path resolution to return 'b.go', got %v", got)
	}
}

func TestContext_GetStepInput_FallsBackWhenPathMissing(t *testing.T) {
	ctx := NewContext("exec1", "ws1", "proj1", "", nil)
	ctx.SetStepOutput("step1", map[string]interface{}{"summary": "done"})

	got := ctx.GetStepInput("steps.step1.result.files.9.name", "missing")
	if got != "missing" {
		t.Fatalf("expected fallback for missing path, got %v", got)
	}
}
