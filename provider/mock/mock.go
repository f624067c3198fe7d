// Package mock provides a scripted language-model provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/tourmatch/provider"
)

const defaultResponse = `{"decision":"accept"}`

// MockProvider implements provider.Provider for testing.
// It cycles through scripted responses and records every conversation.
type MockProvider struct {
	// Err, when set, is returned by every Chat call.
	Err error

	mu        sync.Mutex
	responses []string
	idx       int
	calls     [][]provider.Message
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response, cycling through the queue.
func (m *MockProvider) Chat(_ context.Context, messages []provider.Message) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]provider.Message(nil), messages...))
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return &provider.Response{
		Content: resp,
		Usage:   provider.Usage{OutputTokens: len(resp)},
	}, nil
}

// Calls returns the conversations passed to Chat so far.
func (m *MockProvider) Calls() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]provider.Message(nil), m.calls...)
}
