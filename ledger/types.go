// Package ledger implements the Authorization Ledger: verification, storage,
// and status transitions for payment authorizations, plus the derived
// per-agent usage index and the settlement batch registry.
package ledger

import (
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an Authorization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusSettled   Status = "settled"
	StatusDisputed  Status = "disputed"
	StatusExpired   Status = "expired"
)

// Authorization is a signed promise to pay for one API call.
//
// AgentAddress, MerchantAddress, ToolName, Amount, Currency, Timestamp,
// ExpiresAt, Nonce and Signature are immutable after creation; Status and
// DataHash are the only fields the ledger mutates post-verification.
type Authorization struct {
	ID              string `json:"id"`
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
	ToolName        string `json:"toolName"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Timestamp       int64  `json:"timestamp"`
	ExpiresAt       int64  `json:"expiresAt"`
	Nonce           string `json:"nonce"`
	Signature       string `json:"signature"`

	Status   Status `json:"status"`
	DataHash string `json:"dataHash,omitempty"`

	// parsedAmount caches the decimal parse of Amount for the ledger's own
	// batch totals and usage bookkeeping. It is unexported, so the
	// Settlement Engine's threshold checks parse Amount themselves.
	parsedAmount decimal.Decimal
}

// Clone returns a shallow copy safe to hand to callers outside the lock.
func (a *Authorization) Clone() *Authorization {
	cp := *a
	return &cp
}

// AgentUsage is the derived, append-only index of everything an agent has
// ever submitted. TotalAmount and RequestCount are monotonic: they are never
// decremented by dispute or expiry (spec Open Question, resolved monotonic).
type AgentUsage struct {
	AgentAddress     string          `json:"agentAddress"`
	AuthorizationIDs []string        `json:"authorizationIds"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	RequestCount     int             `json:"requestCount"`
	FirstRequestAt   int64           `json:"firstRequestAt"`
	LastRequestAt    int64           `json:"lastRequestAt"`

	// SettledAmount/SettledCount are internal bookkeeping consumed by
	// Monitoring's reputation score; they are not part of the original
	// AgentUsage contract but avoid re-scanning every authorization per
	// agent on every metrics call.
	SettledAmount decimal.Decimal `json:"settledAmount"`
	SettledCount  int             `json:"settledCount"`
}

func (u *AgentUsage) clone() *AgentUsage {
	cp := *u
	cp.AuthorizationIDs = append([]string(nil), u.AuthorizationIDs...)
	return &cp
}

// BatchStatus is the lifecycle state of a SettlementBatch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// SettlementBatch groups authorizations for one (agent, merchant) pair into
// a single on-chain transfer. The Authorizations slice is a snapshot taken
// at batch-creation time; mutating a member's Status elsewhere does not
// change what is recorded here.
type SettlementBatch struct {
	ID                    string           `json:"id"`
	AgentAddress          string           `json:"agentAddress"`
	MerchantAddress       string           `json:"merchantAddress"`
	Authorizations        []*Authorization `json:"authorizations"`
	TotalAmount           string           `json:"totalAmount"`
	Currency              string           `json:"currency"`
	Status                BatchStatus      `json:"status"`
	CreatedAt             int64            `json:"createdAt"`
	SettledAt             *int64           `json:"settledAt,omitempty"`
	TransactionSignature  string           `json:"transactionSignature,omitempty"`
	Error                 string           `json:"error,omitempty"`
}

func (b *SettlementBatch) clone() *SettlementBatch {
	cp := *b
	cp.Authorizations = make([]*Authorization, len(b.Authorizations))
	for i, a := range b.Authorizations {
		cp.Authorizations[i] = a.Clone()
	}
	return &cp
}

// ThresholdChecker evaluates whether any (agent, merchant) group for the
// given agent currently meets a settlement threshold. It is injected by the
// Settlement Engine (C3) so the Ledger (C1) never imports settlement policy.
type ThresholdChecker func(agentAddress string) (shouldSettle bool, reason string)
