package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scriptable in-memory transport for tests. By default every send
// succeeds with a generated message ID; FailFirst and FailWith shape
// per-recipient behavior.
type Mock struct {
	mu        sync.Mutex
	sends     []SendRequest
	seq       int
	failFirst map[string]int // recipient -> remaining failures
	failWith  map[string]error
	hold      map[string]chan struct{}
}

// NewMock creates a mock transport
func NewMock() *Mock {
	return &Mock{
		failFirst: make(map[string]int),
		failWith:  make(map[string]error),
		hold:      make(map[string]chan struct{}),
	}
}

// Name identifies this transport
func (m *Mock) Name() string {
	return "mock"
}

// FailFirst makes the first n sends to a recipient fail before succeeding
func (m *Mock) FailFirst(recipient string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst[recipient] = n
}

// FailWith makes every send to a recipient fail with err
func (m *Mock) FailWith(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith[recipient] = err
}

// Hold makes sends to a recipient block, after being recorded, until
// Release is called. Lets tests park a send in flight.
func (m *Mock) Hold(recipient string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold[recipient] = make(chan struct{})
}

// Release unblocks held sends to a recipient
func (m *Mock) Release(recipient string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.hold[recipient]; ok {
		close(ch)
		delete(m.hold, recipient)
	}
}

// Send records the request and applies the scripted behavior
func (m *Mock) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sends = append(m.sends, req)
	hold := m.hold[req.Recipient]

	if err, ok := m.failWith[req.Recipient]; ok {
		m.mu.Unlock()
		return nil, err
	}
	if n := m.failFirst[req.Recipient]; n > 0 {
		m.failFirst[req.Recipient] = n - 1
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: scripted failure", ErrSendFailed)
	}

	m.seq++
	id := fmt.Sprintf("mock-%06d", m.seq)
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &SendResult{MessageID: id}, nil
}

// Sends returns a copy of every recorded request
func (m *Mock) Sends() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRequest, len(m.sends))
	copy(out, m.sends)
	return out
}

// SendCount returns how many sends were attempted
func (m *Mock) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}
