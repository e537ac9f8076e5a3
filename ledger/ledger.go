package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/x402-foundation/settlement-facilitator/queue"
)

// VerifyResult is the outcome of Verify. Code, when set, mirrors one of the
// facilitator package's FacilitatorError codes (duplicate_authorization,
// authorization_expired, invalid_signature, validation_error) so a caller
// can branch on it without string-matching Reason; it's a plain string
// here rather than importing the facilitator package, which already
// imports this one.
type VerifyResult struct {
	Valid  bool
	Reason string
	Code   string
}

// Option configures a Ledger at construction time, mirroring the
// functional-options pattern the teacher SDK uses for its resource
// server/service/client constructors.
type Option func(*Ledger)

// WithClock overrides the ledger's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the Authorization Ledger (C1). It owns Authorization,
// AgentUsage and SettlementBatch records and is the only component
// permitted to mutate them; the Settlement Queue (C2) only ever sees ids.
type Ledger struct {
	mu sync.RWMutex

	queue *queue.Queue
	now   func() time.Time

	authorizations map[string]*Authorization
	usage          map[string]*AgentUsage
	batches        map[string]*SettlementBatch

	thresholdChecker ThresholdChecker
}

// New creates a Ledger backed by the given Settlement Queue.
func New(q *queue.Queue, opts ...Option) *Ledger {
	l := &Ledger{
		queue:          q,
		now:            func() time.Time { return time.Now() },
		authorizations: make(map[string]*Authorization),
		usage:          make(map[string]*AgentUsage),
		batches:        make(map[string]*SettlementBatch),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetThresholdChecker wires the Settlement Engine's threshold policy into
// QueueForSettlement's shouldSettle return value, without the ledger ever
// importing the settlement package.
func (l *Ledger) SetThresholdChecker(tc ThresholdChecker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.thresholdChecker = tc
}

func (l *Ledger) nowMillis() int64 {
	return l.now().UnixMilli()
}

// Verify validates a new authorization against the rules in spec §4.1 and,
// if accepted, stores it in pending and updates the submitting agent's
// usage index. The caller must not mutate auth after this call returns
// success; the record is stored by reference.
func (l *Ledger) Verify(auth *Authorization) (VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.authorizations[auth.ID]; exists {
		return VerifyResult{Valid: false, Reason: "Authorization already exists", Code: "duplicate_authorization"}, nil
	}

	now := l.nowMillis()
	if auth.ExpiresAt < now {
		return VerifyResult{Valid: false, Reason: "Authorization expired", Code: "authorization_expired"}, nil
	}

	if digestFor(auth) != auth.Signature {
		return VerifyResult{Valid: false, Reason: "Invalid signature", Code: "invalid_signature"}, nil
	}

	amount, err := decimal.NewFromString(auth.Amount)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "Invalid amount", Code: "validation_error"}, nil
	}
	auth.parsedAmount = amount
	auth.Status = StatusPending

	l.authorizations[auth.ID] = auth

	u, exists := l.usage[auth.AgentAddress]
	if !exists {
		u = &AgentUsage{
			AgentAddress:   auth.AgentAddress,
			FirstRequestAt: now,
			TotalAmount:    decimal.Zero,
			SettledAmount:  decimal.Zero,
		}
		l.usage[auth.AgentAddress] = u
	}
	u.AuthorizationIDs = append(u.AuthorizationIDs, auth.ID)
	u.TotalAmount = u.TotalAmount.Add(amount)
	u.RequestCount++
	u.LastRequestAt = now

	return VerifyResult{Valid: true}, nil
}

// QueueForSettlement transitions an accepted authorization pending →
// validated and appends it to the Settlement Queue, returning whether the
// agent now has a group of queued entries that meets a settlement
// threshold (per the injected ThresholdChecker).
func (l *Ledger) QueueForSettlement(id string) (success bool, shouldSettle bool, reason string, err error) {
	l.mu.Lock()

	auth, exists := l.authorizations[id]
	if !exists {
		l.mu.Unlock()
		return false, false, "", fmt.Errorf("Authorization not found")
	}
	if l.queue.Contains(id) {
		l.mu.Unlock()
		return false, false, "", fmt.Errorf("Already queued")
	}
	if auth.Status == StatusSettled {
		l.mu.Unlock()
		return false, false, "", fmt.Errorf("Already settled")
	}

	auth.Status = StatusValidated
	l.queue.Append(id)
	checker := l.thresholdChecker
	agent := auth.AgentAddress
	l.mu.Unlock()

	if checker != nil {
		shouldSettle, reason = checker(agent)
	}
	return true, shouldSettle, reason, nil
}

// Get returns a copy of the authorization with the given id.
func (l *Ledger) Get(id string) (*Authorization, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.authorizations[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// getInternal returns the live record without cloning; callers must hold
// (at least) the read lock and must not retain the pointer past that.
func (l *Ledger) getInternal(id string) (*Authorization, bool) {
	a, ok := l.authorizations[id]
	return a, ok
}

// ListByAgent returns every authorization ever submitted by agent,
// optionally filtered to the given statuses.
func (l *Ledger) ListByAgent(agent string, statuses ...Status) []*Authorization {
	l.mu.RLock()
	defer l.mu.RUnlock()

	allowed := map[Status]bool{}
	for _, s := range statuses {
		allowed[s] = true
	}

	var out []*Authorization
	for _, a := range l.authorizations {
		if a.AgentAddress != agent {
			continue
		}
		if len(allowed) > 0 && !allowed[a.Status] {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// ListPending returns the agent's authorizations currently in the
// Settlement Queue with status validated.
func (l *Ledger) ListPending(agent string) []*Authorization {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Authorization
	for _, id := range l.queue.Snapshot() {
		a, ok := l.authorizations[id]
		if !ok || a.AgentAddress != agent || a.Status != StatusValidated {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// GetPendingMerchants returns the unique merchant addresses across the
// agent's queued entries.
func (l *Ledger) GetPendingMerchants(agent string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, id := range l.queue.Snapshot() {
		a, ok := l.authorizations[id]
		if !ok || a.AgentAddress != agent {
			continue
		}
		if !seen[a.MerchantAddress] {
			seen[a.MerchantAddress] = true
			out = append(out, a.MerchantAddress)
		}
	}
	return out
}

// GetUsage returns a copy of the agent's usage index.
func (l *Ledger) GetUsage(agent string) (*AgentUsage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.usage[agent]
	if !ok {
		return nil, false
	}
	return u.clone(), true
}

// ListAgents returns every agent address that has ever submitted an
// authorization.
func (l *Ledger) ListAgents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.usage))
	for a := range l.usage {
		out = append(out, a)
	}
	return out
}

// AllAuthorizations returns a snapshot of every authorization in the
// ledger, for Monitoring's read-only projections.
func (l *Ledger) AllAuthorizations() []*Authorization {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Authorization, 0, len(l.authorizations))
	for _, a := range l.authorizations {
		out = append(out, a.Clone())
	}
	return out
}

// AllUsages returns a snapshot of every agent's usage index.
func (l *Ledger) AllUsages() []*AgentUsage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AgentUsage, 0, len(l.usage))
	for _, u := range l.usage {
		out = append(out, u.clone())
	}
	return out
}

// AllBatches returns a snapshot of every settlement batch ever created.
func (l *Ledger) AllBatches() []*SettlementBatch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*SettlementBatch, 0, len(l.batches))
	for _, b := range l.batches {
		out = append(out, b.clone())
	}
	return out
}

// NewBatch snapshots the given authorization ids (which must already share
// agent, merchant and currency — the Settlement Engine is responsible for
// having grouped them) into a new pending SettlementBatch.
func (l *Ledger) NewBatch(agentAddress, merchantAddress string, ids []string, createdAt time.Time) (*SettlementBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(ids) == 0 {
		return nil, fmt.Errorf("cannot create an empty batch")
	}

	members := make([]*Authorization, 0, len(ids))
	total := decimal.Zero
	var currency string
	for i, id := range ids {
		a, ok := l.authorizations[id]
		if !ok {
			return nil, fmt.Errorf("authorization %s not found", id)
		}
		if a.AgentAddress != agentAddress || a.MerchantAddress != merchantAddress {
			return nil, fmt.Errorf("authorization %s does not belong to (%s, %s)", id, agentAddress, merchantAddress)
		}
		if i == 0 {
			currency = a.Currency
		} else if a.Currency != currency {
			return nil, fmt.Errorf("authorization %s currency %s does not match batch currency %s", id, a.Currency, currency)
		}
		total = total.Add(a.parsedAmount)
		members = append(members, a.Clone())
	}

	batch := &SettlementBatch{
		ID:              uuid.NewString(),
		AgentAddress:    agentAddress,
		MerchantAddress: merchantAddress,
		Authorizations:  members,
		TotalAmount:     total.RoundBank(6).StringFixed(6),
		Currency:        currency,
		Status:          BatchPending,
		CreatedAt:       createdAt.UnixMilli(),
	}
	l.batches[batch.ID] = batch
	return batch.clone(), nil
}

// GetBatch returns a copy of the batch with the given id.
func (l *Ledger) GetBatch(id string) (*SettlementBatch, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.batches[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// ListBatches returns every batch, optionally filtered by agent.
func (l *Ledger) ListBatches(agent string) []*SettlementBatch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*SettlementBatch
	for _, b := range l.batches {
		if agent != "" && b.AgentAddress != agent {
			continue
		}
		out = append(out, b.clone())
	}
	return out
}

// CompleteSettlement marks a batch completed and every member authorization
// settled, removing each member's id from the Settlement Queue.
func (l *Ledger) CompleteSettlement(batchID, txSignature string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch, ok := l.batches[batchID]
	if !ok {
		return fmt.Errorf("Settlement batch not found")
	}

	settledAt := l.nowMillis()
	batch.Status = BatchCompleted
	batch.SettledAt = &settledAt
	batch.TransactionSignature = txSignature

	for _, member := range batch.Authorizations {
		live, ok := l.authorizations[member.ID]
		if !ok {
			continue
		}
		live.Status = StatusSettled
		l.queue.Remove(live.ID)

		if u, ok := l.usage[live.AgentAddress]; ok {
			u.SettledAmount = u.SettledAmount.Add(live.parsedAmount)
			u.SettledCount++
		}
	}
	return nil
}

// FailSettlement marks a batch failed and returns every member to pending.
// Queue membership is left exactly as it was at failure time (spec §9):
// members already removed stay out, members still present stay queued.
func (l *Ledger) FailSettlement(batchID, errMessage string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch, ok := l.batches[batchID]
	if !ok {
		return fmt.Errorf("Settlement batch not found")
	}

	batch.Status = BatchFailed
	batch.Error = errMessage

	for _, member := range batch.Authorizations {
		live, ok := l.authorizations[member.ID]
		if !ok {
			continue
		}
		if live.Status != StatusSettled {
			live.Status = StatusPending
		}
	}
	return nil
}

// MarkDisputed transitions an authorization to disputed and removes it
// from the Settlement Queue. Called only by the Dispute Manager (C4).
func (l *Ledger) MarkDisputed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.authorizations[id]
	if !ok {
		return fmt.Errorf("Authorization not found")
	}
	a.Status = StatusDisputed
	l.queue.Remove(id)
	return nil
}

// Requeue returns a disputed authorization to validated and re-appends it
// to the Settlement Queue. Called only by the Dispute Manager (C4) on an
// overruled (merchant-wins) resolution.
func (l *Ledger) Requeue(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.authorizations[id]
	if !ok {
		return fmt.Errorf("Authorization not found")
	}
	a.Status = StatusValidated
	if !l.queue.Contains(id) {
		l.queue.Append(id)
	}
	return nil
}

// CleanupExpired sweeps every pending authorization past its expiry,
// marking it expired and dropping it from the queue if present. validated,
// settled and disputed records are untouched regardless of expiry.
func (l *Ledger) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowMillis()
	count := 0
	for _, a := range l.authorizations {
		if a.Status == StatusPending && a.ExpiresAt < now {
			a.Status = StatusExpired
			l.queue.Remove(a.ID)
			count++
		}
	}
	return count
}
