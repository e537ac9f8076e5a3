// Package dispute implements the Dispute Manager (C4): filing disputes
// against settled or pre-settlement authorizations and resolving them,
// mutating the Authorization Ledger only through its exported transition
// methods.
package dispute

import "encoding/json"

// Resolution is the outcome of a dispute. The naming is intentionally
// inverted from a naive "approved/rejected" reading: Upheld means the
// dispute itself is upheld (the agent's side wins) and the authorization
// stays disputed, never settling; Overruled means the dispute is thrown
// out (the merchant wins) and the authorization returns to validated to
// be re-queued for settlement.
type Resolution string

const (
	Upheld    Resolution = "upheld"
	Overruled Resolution = "overruled"
)

// Status is the lifecycle state of a DisputeRecord.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record is a dispute filed against one authorization.
type Record struct {
	ID              string          `json:"id"`
	AuthorizationID string          `json:"authorizationId"`
	AgentAddress    string          `json:"agentAddress"`
	MerchantAddress string          `json:"merchantAddress"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
	Status          Status          `json:"status"`
	Resolution      Resolution      `json:"resolution,omitempty"`
	ResolutionNotes json.RawMessage `json:"resolutionNotes,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
	ResolvedAt      *int64          `json:"resolvedAt,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}
