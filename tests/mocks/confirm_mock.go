package mocks

import "sync"

// MockConfirmer answers every confirmation with a fixed value
type MockConfirmer struct {
	mu        sync.Mutex
	answer    bool
	err       error
	questions []string
}

// NewMockConfirmer creates a confirmer that always answers answer
func NewMockConfirmer(answer bool) *MockConfirmer {
	return &MockConfirmer{answer: answer}
}

// SetError makes Confirm fail with err
func (m *MockConfirmer) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockConfirmer) Confirm(question string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, question)
	return m.answer, m.err
}

// Questions returns the questions asked so far
func (m *MockConfirmer) Questions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.questions...)
}
