package dispute

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402-foundation/settlement-facilitator/ledger"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the manager's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the Dispute Manager (C4).
type Manager struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger
	now    func() time.Time

	records map[string]*Record
}

// New creates a Manager bound to the given Ledger.
func New(l *ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger:  l,
		now:     func() time.Time { return time.Now() },
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDispute files a dispute against authorizationID on behalf of
// agentAddress, and transitions the authorization to disputed, removing it
// from the Settlement Queue so it cannot be swept into a batch while
// contested. Requires the authorization to exist and its AgentAddress to
// match agentAddress; any other caller is rejected with "Agent address
// mismatch" before any state changes, per spec §4.4.
func (m *Manager) CreateDispute(authorizationID, agentAddress, reason string, evidence json.RawMessage) (*Record, error) {
	auth, ok := m.ledger.Get(authorizationID)
	if !ok {
		return nil, fmt.Errorf("Authorization not found")
	}
	if auth.AgentAddress != agentAddress {
		return nil, fmt.Errorf("Agent address mismatch")
	}

	if err := m.ledger.MarkDisputed(authorizationID); err != nil {
		return nil, err
	}

	record := &Record{
		ID:              uuid.NewString(),
		AuthorizationID: authorizationID,
		AgentAddress:    auth.AgentAddress,
		MerchantAddress: auth.MerchantAddress,
		Reason:          reason,
		Evidence:        evidence,
		Status:          StatusOpen,
		CreatedAt:       m.now().UnixMilli(),
	}

	m.mu.Lock()
	m.records[record.ID] = record
	m.mu.Unlock()

	return record.clone(), nil
}

// ResolveDispute resolves an open dispute. Upheld leaves the authorization
// disputed (it will never settle); Overruled returns it to validated and
// re-queues it for settlement.
func (m *Manager) ResolveDispute(disputeID string, resolution Resolution, notes json.RawMessage) (*Record, error) {
	m.mu.Lock()
	record, ok := m.records[disputeID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("Dispute not found")
	}
	if record.Status == StatusResolved {
		m.mu.Unlock()
		return nil, fmt.Errorf("Dispute already resolved")
	}

	resolvedAt := m.now().UnixMilli()
	record.Status = StatusResolved
	record.Resolution = resolution
	record.ResolutionNotes = notes
	record.ResolvedAt = &resolvedAt
	authID := record.AuthorizationID
	out := record.clone()
	m.mu.Unlock()

	if resolution == Overruled {
		if err := m.ledger.Requeue(authID); err != nil {
			return out, err
		}
	}
	// Upheld: the authorization stays disputed, no ledger transition needed.

	return out, nil
}

// Get returns a copy of the dispute with the given id.
func (m *Manager) Get(disputeID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[disputeID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// ListDisputes returns every dispute, optionally filtered by agent and/or
// status.
func (m *Manager) ListDisputes(agent string, status Status) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if agent != "" && r.AgentAddress != agent {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.clone())
	}
	return out
}
