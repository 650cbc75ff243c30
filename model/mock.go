package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoyu-work/onevalet/core"
)

// MockClient is a lightweight in-memory Client useful for tests & examples.
// Responses can be scripted in order (Enqueue) or keyed by the last user
// message (AddResponse); scripted responses take precedence.
type MockClient struct {
	info Info

	mu        sync.Mutex
	scripted  []*Response
	errs      []error
	responses map[string]string
	calls     []Request
}

// NewMockClient constructs a MockClient with the given identity.
func NewMockClient(name, provider string) *MockClient {
	return &MockClient{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockClient) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends a scripted response consumed in FIFO order.
func (m *MockClient) Enqueue(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, resp)
	m.errs = append(m.errs, nil)
}

// EnqueueError appends a scripted failure consumed in FIFO order.
func (m *MockClient) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, nil)
	m.errs = append(m.errs, err)
}

// EnqueueToolCalls appends a scripted response that requests tool execution.
func (m *MockClient) EnqueueToolCalls(calls ...core.ToolCall) {
	m.Enqueue(&Response{ToolCalls: calls})
}

// Calls returns the requests received so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// ChatComplete implements Client.
func (m *MockClient) ChatComplete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.scripted) > 0 {
		resp, err := m.scripted[0], m.errs[0]
		m.scripted = m.scripted[1:]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == core.RoleUser {
			lastUser = msg.Content
		}
	}
	if canned, ok := m.responses[lastUser]; ok {
		return &Response{Content: canned}, nil
	}
	return &Response{Content: fmt.Sprintf("Mock response to: %s", lastUser)}, nil
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }
