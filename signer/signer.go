// Package signer provides Signer implementations consumed by the
// settlement engine: a concrete Solana-backed dispatcher and an in-memory
// mock for tests and embedders without a live RPC endpoint.
package signer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Mock is an in-memory Signer double. A scripted failure (FailNext) lets
// callers exercise the settlement engine's failure path without a live
// chain; Transfer returns immediately, with no simulated latency. Grounded in the teacher's
// own mock facilitator test doubles (facilitator_test.go's
// mockSchemeNetworkFacilitator).
type Mock struct {
	mu        sync.Mutex
	sigPrefix string
	seq       int
	failNext  bool
	failErr   error
	calls     []Call
}

// Call records one Transfer invocation for test assertions.
type Call struct {
	Sender, Recipient, Asset string
	MinorUnits               *big.Int
}

// NewMock creates a Mock whose generated signatures are prefixed with
// prefix (default "mock-tx-" if empty).
func NewMock(prefix string) *Mock {
	if prefix == "" {
		prefix = "mock-tx-"
	}
	return &Mock{sigPrefix: prefix}
}

// FailNext makes the next Transfer call return err instead of succeeding.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
	m.failErr = err
}

// Calls returns every Transfer call made so far.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Transfer implements settlement.Signer.
func (m *Mock) Transfer(_ context.Context, sender, recipient, asset string, minorUnits *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Sender: sender, Recipient: recipient, Asset: asset, MinorUnits: minorUnits})

	if m.failNext {
		m.failNext = false
		if m.failErr != nil {
			return "", m.failErr
		}
		return "", fmt.Errorf("mock signer: simulated failure")
	}

	m.seq++
	return fmt.Sprintf("%s%d", m.sigPrefix, m.seq), nil
}
