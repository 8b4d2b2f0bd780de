package llm

import (
	"encoding/json"
	"sync"
)

// debugBufferSize bounds the raw-response ring kept for diagnostics.
const debugBufferSize = 32

// DebugBuffer keeps a bounded ring of raw responses plus the last request,
// so error reports can include what the backend actually sent.
type DebugBuffer struct {
	mu        sync.Mutex
	responses []*Response
	lastReq   *Request
}

// NewDebugBuffer returns an empty buffer.
func NewDebugBuffer() *DebugBuffer {
	return &DebugBuffer{}
}

// RecordRequest remembers the most recent outbound request.
func (b *DebugBuffer) RecordRequest(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastReq = &req
}

// RecordResponse appends resp, evicting the oldest entry past capacity.
func (b *DebugBuffer) RecordResponse(resp *Response) {
	if resp == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, resp)
	if len(b.responses) > debugBufferSize {
		b.responses = b.responses[len(b.responses)-debugBufferSize:]
	}
}

// Report renders the buffer as JSON for diagnostic output.
func (b *DebugBuffer) Report() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	report := struct {
		LastRequest *Request    `json:"lastRequest,omitempty"`
		Responses   []*Response `json:"responses,omitempty"`
	}{b.lastReq, b.responses}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// Len returns the number of buffered responses.
func (b *DebugBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.responses)
}
