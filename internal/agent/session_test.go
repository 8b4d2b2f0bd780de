package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

func TestPromptIDsIncrement(t *testing.T) {
	s := NewSession("m", llm.AuthGeminiAPIKey, -1)
	for i := 1; i <= 3; i++ {
		id := s.NextPromptID()
		want := fmt.Sprintf("%s########%d", s.ID, i)
		if id != want {
			t.Errorf("prompt id = %q, want %q", id, want)
		}
	}
	if s.PromptCount() != 3 {
		t.Errorf("promptCount = %d", s.PromptCount())
	}
}

func TestCuratedHistoryDropsEmptyModelTurns(t *testing.T) {
	s := NewSession("m", llm.AuthGeminiAPIKey, -1)
	s.AddHistory(llm.UserText("hi"))
	s.AddHistory(llm.Message{Role: llm.RoleModel}) // failed send left it empty
	s.AddHistory(llm.UserText("are you there?"))
	s.AddHistory(llm.ModelText("yes"))

	curated := s.CuratedHistory()
	if len(curated) != 3 {
		t.Fatalf("curated length = %d, want 3", len(curated))
	}
	for _, msg := range curated {
		if msg.Role == llm.RoleModel && emptyParts(msg.Parts) {
			t.Error("curated history kept an empty model turn")
		}
	}
	// Raw history is untouched.
	if len(s.History()) != 4 {
		t.Errorf("raw history length = %d, want 4", len(s.History()))
	}
}

func TestDropLastModelTurn(t *testing.T) {
	s := NewSession("m", llm.AuthGeminiAPIKey, -1)
	s.AddHistory(llm.UserText("hi"))
	s.AddHistory(llm.ModelText("hello"))
	s.DropLastModelTurn()
	if len(s.History()) != 1 {
		t.Errorf("history length = %d, want 1", len(s.History()))
	}
	// Not a model turn at the tail: no-op.
	s.DropLastModelTurn()
	if len(s.History()) != 1 {
		t.Errorf("history length = %d after no-op drop", len(s.History()))
	}
}

func TestSynthesizedCallIDShape(t *testing.T) {
	id := synthesizeCallID("shell")
	if !strings.HasPrefix(id, "shell-") || strings.Count(id, "-") < 2 {
		t.Errorf("call id = %q, want name-timestamp-random", id)
	}
}
