package arrow_client

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// MockFlightClient keeps exported batches in memory. Each batch goes through
// the Arrow encoding so tests see what a server would receive.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	alloc     memory.Allocator
	batches   [][]PredictionRecord
	err       error
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{alloc: memory.NewGoAllocator()}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// FailWith makes subsequent exports return err.
func (m *MockFlightClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockFlightClient) Export(ctx context.Context, recs []PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.err != nil {
		return m.err
	}
	if len(recs) == 0 {
		return nil
	}
	rec, err := BuildRecord(m.alloc, recs)
	if err != nil {
		return err
	}
	defer rec.Release()
	decoded, err := ReadRecord(rec)
	if err != nil {
		return err
	}
	m.batches = append(m.batches, decoded)
	return nil
}

// Batches returns every batch received so far.
func (m *MockFlightClient) Batches() [][]PredictionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]PredictionRecord(nil), m.batches...)
}

// Rows returns the total number of exported records.
func (m *MockFlightClient) Rows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = nil
}
