package facilitator

import (
	"context"
	"time"

	"github.com/x402-foundation/settlement-facilitator/ledger"
)

// SettleContext carries the information passed to settlement hooks: which
// agent (and optionally merchant) is being settled and when the call
// started.
type SettleContext struct {
	Ctx             context.Context
	AgentAddress    string
	MerchantAddress string
	Timestamp       time.Time
}

// SettleResultContext carries a successful settlement's outcome alongside
// the context that triggered it.
type SettleResultContext struct {
	SettleContext
	Batches  []*ledger.SettlementBatch
	Duration time.Duration
}

// SettleFailureContext carries a failed settlement's error alongside the
// context that triggered it.
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// BeforeSettleResult is the result of a "before" hook. If Abort is true,
// the settlement attempt is aborted with the given Reason before the
// Signer is ever called.
type BeforeSettleResult struct {
	Abort  bool
	Reason string
}

// OnSettleFailureResult is the result of a failure hook. If Recovered is
// true, the provided Batches are returned instead of the error.
type OnSettleFailureResult struct {
	Recovered bool
	Batches   []*ledger.SettlementBatch
}

// BeforeSettleHook runs before TriggerSettlement dispatches to the Signer.
type BeforeSettleHook func(SettleContext) (*BeforeSettleResult, error)

// AfterSettleHook runs after a successful TriggerSettlement call. Any
// error it returns is not propagated to the caller.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when the engine's TriggerSettlement returns an
// error: a failed Signer dispatch, a batch that could not be created, or
// nothing queued for the agent.
type OnSettleFailureHook func(SettleFailureContext) (*OnSettleFailureResult, error)

// OnBeforeSettle registers hook to run before every settlement attempt.
func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

// OnAfterSettle registers hook to run after every successful settlement.
func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

// OnSettleFailure registers hook to run when a settlement attempt returns
// an error (see OnSettleFailureHook).
func (f *Facilitator) OnSettleFailure(hook OnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailure = append(f.onSettleFailure, hook)
	return f
}
