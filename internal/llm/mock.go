package llm

import (
	"context"
	"sync"
)

// MockClient is a canned Client for tests.
type MockClient struct {
	Response *Response
	Err      error

	mu    sync.Mutex
	Calls []Request
}

// Complete records req and returns the canned answer.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()
	if m.Err == nil && m.Response == nil {
		return nil, ErrEmptyResponse
	}
	return m.Response, m.Err
}
