package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// Session owns per-conversation state: the append-only history, the
// prompt counter and the quota-fallback flags. History is mutated only
// by the orchestrator and the scheduler's cancel path.
type Session struct {
	ID        string
	ModelName string
	AuthType  llm.AuthType

	// MaxSessionTurns bounds model turns per session; negative means
	// unlimited.
	MaxSessionTurns int

	mu                 sync.Mutex
	promptCount        int
	quotaErrorOccurred bool
	history            []llm.Message
}

// NewSession creates a session with a fresh id.
func NewSession(modelName string, authType llm.AuthType, maxSessionTurns int) *Session {
	return &Session{
		ID:              uuid.NewString(),
		ModelName:       modelName,
		AuthType:        authType,
		MaxSessionTurns: maxSessionTurns,
	}
}

// NextPromptID increments the prompt counter and allocates the prompt id
// for a non-continuation submission.
func (s *Session) NextPromptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptCount++
	return fmt.Sprintf("%s########%d", s.ID, s.promptCount)
}

// PromptCount returns the number of non-continuation submissions so far.
func (s *Session) PromptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptCount
}

// SetQuotaError records that a quota failure occurred; continuations are
// suppressed for the rest of the turn.
func (s *Session) SetQuotaError(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaErrorOccurred = v
}

// QuotaErrorOccurred reports the quota flag.
func (s *Session) QuotaErrorOccurred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaErrorOccurred
}

// AddHistory appends a message to the raw history.
func (s *Session) AddHistory(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// DropLastModelTurn removes a trailing model message, used when its
// backend send failed and the turn never became valid.
func (s *Session) DropLastModelTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 && s.history[n-1].Role == llm.RoleModel {
		s.history = s.history[:n-1]
	}
}

// History returns a copy of the raw history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// CuratedHistory is the projection sent on the wire: model turns that
// carry no parts (a failed send left them empty) are dropped, together
// with any immediately preceding user turn that elicited them.
func (s *Session) CuratedHistory() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.Message
	for _, msg := range s.history {
		if msg.Role == llm.RoleModel && emptyParts(msg.Parts) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func emptyParts(parts []llm.Part) bool {
	for _, p := range parts {
		if p.Text != "" || p.FunctionCall != nil || p.FunctionResponse != nil || p.InlineData != nil {
			return false
		}
	}
	return true
}
