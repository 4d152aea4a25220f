package llm

import (
	"context"
	"sync"
)

// MockProvider returns a canned response and records every request it
// receives. Used in tests and for dry runs without API credentials.
type MockProvider struct {
	mu       sync.Mutex
	response string
	err      error
	requests []Request
}

func NewMock(response string) *MockProvider {
	return &MockProvider{response: response}
}

func (m *MockProvider) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

// SetError makes subsequent Generate calls fail with err.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetResponse changes the canned response.
func (m *MockProvider) SetResponse(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
}

// Requests returns a copy of every request received so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
