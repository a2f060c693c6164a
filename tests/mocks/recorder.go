// Package mocks provides in-memory fakes of the host capabilities used by
// locker, for tests.
package mocks

import (
	"sync"
	"time"
)

// MethodCall records a method invocation
type MethodCall struct {
	Method    string
	Args      []interface{}
	Timestamp time.Time
}

// recorder tracks method calls for later verification
type recorder struct {
	calls   []MethodCall
	callsMu sync.Mutex
}

func (r *recorder) recordCall(method string, args ...interface{}) {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	r.calls = append(r.calls, MethodCall{
		Method:    method,
		Args:      args,
		Timestamp: time.Now(),
	})
}

// GetCalls returns all recorded method calls
func (r *recorder) GetCalls() []MethodCall {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	result := make([]MethodCall, len(r.calls))
	copy(result, r.calls)
	return result
}

// CallCount returns how many times method was invoked
func (r *recorder) CallCount(method string) int {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ClearCalls clears all recorded method calls
func (r *recorder) ClearCalls() {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	r.calls = nil
}
