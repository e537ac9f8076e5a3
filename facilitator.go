// Package facilitator wires the Authorization Ledger, Settlement Queue,
// Settlement Engine, Dispute Manager and Monitoring into a single
// deferred-settlement facilitator, the way the teacher's x402Facilitator
// wires scheme registries behind one entry point.
package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/x402-foundation/settlement-facilitator/config"
	"github.com/x402-foundation/settlement-facilitator/dispute"
	"github.com/x402-foundation/settlement-facilitator/ledger"
	"github.com/x402-foundation/settlement-facilitator/monitoring"
	"github.com/x402-foundation/settlement-facilitator/queue"
	"github.com/x402-foundation/settlement-facilitator/settlement"
)

// Facilitator is the wired, running system: ledger + queue + settlement
// engine + dispute manager + monitoring, plus the lifecycle hooks an
// embedder can register around settlement.
type Facilitator struct {
	Config *config.Config

	Ledger    *ledger.Ledger
	Queue     *queue.Queue
	Engine    *settlement.Engine
	Scheduler *settlement.Scheduler
	Disputes  *dispute.Manager
	Monitor   *monitoring.Monitor
	History   *monitoring.History

	clock func() time.Time

	mu                sync.RWMutex
	beforeSettleHooks []BeforeSettleHook
	afterSettleHooks  []AfterSettleHook
	onSettleFailure   []OnSettleFailureHook
}

// Option configures a Facilitator at construction time.
type Option func(*Facilitator)

// WithClock overrides every component's notion of "now", for deterministic
// tests of the fully wired system.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) { f.clock = now }
}

// New wires a Facilitator from cfg and an on-chain Signer.
func New(cfg *config.Config, signer settlement.Signer, opts ...Option) *Facilitator {
	f := &Facilitator{Config: cfg, clock: func() time.Time { return time.Now() }}
	for _, opt := range opts {
		opt(f)
	}

	f.Queue = queue.New()
	f.Ledger = ledger.New(f.Queue, ledger.WithClock(f.clock))
	f.Engine = settlement.New(f.Ledger, signer,
		settlement.WithThresholds(settlement.Thresholds{
			Amount: cfg.SettlementThresholdAmount,
			Time:   int64(cfg.SettlementThresholdTime / time.Millisecond),
			Count:  cfg.SettlementThresholdCount,
		}),
		settlement.WithClock(f.clock),
	)
	f.Scheduler = settlement.NewScheduler(f.Engine, cfg.SettlementCheckInterval, cfg.AutoSettlement, defaultLogger())
	f.Disputes = dispute.New(f.Ledger, dispute.WithClock(f.clock))
	f.Monitor = monitoring.New(f.Ledger, f.Queue, f.Disputes, f.Scheduler.Running, cfg.AutoSettlement, monitoring.WithClock(f.clock))
	f.History = monitoring.NewHistory(f.Monitor, cfg.MetricsSnapshotInterval)

	return f
}

// Start begins the background scheduler and metrics snapshotter.
func (f *Facilitator) Start(ctx context.Context) {
	f.Scheduler.Start(ctx)
	f.History.Start(ctx)
}

// Stop cancels the background scheduler and metrics snapshotter, blocking
// until both have exited. No in-flight Signer call is interrupted.
func (f *Facilitator) Stop() {
	f.Scheduler.Stop()
	f.History.Stop()
}

// Verify accepts a new authorization. Unlike settlement, verification has
// no external dispatch to guard, so no hooks wrap it.
func (f *Facilitator) Verify(auth *ledger.Authorization) (ledger.VerifyResult, error) {
	return f.Ledger.Verify(auth)
}

// QueueForSettlement transitions an authorization into the settlement
// queue and reports whether its group now meets a threshold.
func (f *Facilitator) QueueForSettlement(id string) (bool, bool, string, error) {
	success, shouldSettle, reason, err := f.Ledger.QueueForSettlement(id)
	return success, shouldSettle, reason, wireError(err)
}

// CreateBatch groups an agent's queued authorizations into a new pending
// batch without dispatching to the Signer.
func (f *Facilitator) CreateBatch(agent, merchant string) (*ledger.SettlementBatch, error) {
	batch, err := f.Engine.CreateBatch(agent, merchant)
	return batch, wireError(err)
}

// CompleteSettlement marks a batch completed. Exposed directly for the
// boundary's POST /batch/complete, which is expected to be driven by an
// external settlement pipeline rather than the engine's own dispatch.
func (f *Facilitator) CompleteSettlement(batchID, txSignature string) error {
	return wireError(f.Ledger.CompleteSettlement(batchID, txSignature))
}

// FailSettlement marks a batch failed. See CompleteSettlement.
func (f *Facilitator) FailSettlement(batchID, errMessage string) error {
	return wireError(f.Ledger.FailSettlement(batchID, errMessage))
}

// TriggerSettlement runs the full threshold-bypassing settle pipeline
// (create batch, dispatch to Signer, complete/fail) for an agent,
// optionally scoped to one merchant, invoking the before/after/failure
// hooks around the Signer call.
func (f *Facilitator) TriggerSettlement(ctx context.Context, agent, merchant string) ([]*ledger.SettlementBatch, error) {
	f.mu.RLock()
	before := append([]BeforeSettleHook(nil), f.beforeSettleHooks...)
	after := append([]AfterSettleHook(nil), f.afterSettleHooks...)
	onFailure := append([]OnSettleFailureHook(nil), f.onSettleFailure...)
	f.mu.RUnlock()

	hookCtx := SettleContext{Ctx: ctx, AgentAddress: agent, MerchantAddress: merchant, Timestamp: f.clock()}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, fmt.Errorf("settlement aborted: %s", result.Reason)
		}
	}

	start := f.clock()
	batches, dispatchErr := f.Engine.TriggerSettlement(ctx, agent, merchant)
	duration := f.clock().Sub(start)

	if dispatchErr != nil {
		err := NewFacilitatorError(ErrCodeDispatch, dispatchErr.Error(), nil)
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: err, Duration: duration}
		for _, hook := range onFailure {
			result, hookErr := hook(failureCtx)
			if hookErr != nil {
				continue
			}
			if result != nil && result.Recovered {
				return result.Batches, nil
			}
		}
		return batches, err
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Batches: batches, Duration: duration}
	for _, hook := range after {
		_ = hook(resultCtx)
	}
	return batches, nil
}

// Get, ListByAgent, ListPending, GetPendingMerchants, and CleanupExpired
// forward directly to the Ledger; they carry no dispatch to guard with
// hooks.

func (f *Facilitator) Get(id string) (*ledger.Authorization, bool) { return f.Ledger.Get(id) }

func (f *Facilitator) ListByAgent(agent string, statuses ...ledger.Status) []*ledger.Authorization {
	return f.Ledger.ListByAgent(agent, statuses...)
}

func (f *Facilitator) ListPending(agent string) []*ledger.Authorization {
	return f.Ledger.ListPending(agent)
}

func (f *Facilitator) GetPendingMerchants(agent string) []string {
	return f.Ledger.GetPendingMerchants(agent)
}

func (f *Facilitator) ListBatches(agent string) []*ledger.SettlementBatch {
	return f.Ledger.ListBatches(agent)
}

func (f *Facilitator) GetBatch(id string) (*ledger.SettlementBatch, bool) {
	return f.Ledger.GetBatch(id)
}

func (f *Facilitator) GetUsage(agent string) (*ledger.AgentUsage, bool) {
	return f.Ledger.GetUsage(agent)
}

func (f *Facilitator) CleanupExpired() int { return f.Ledger.CleanupExpired() }

// CreateDispute files a dispute, see dispute.Manager.CreateDispute.
func (f *Facilitator) CreateDispute(authorizationID, agentAddress, reason string, evidence json.RawMessage) (*dispute.Record, error) {
	record, err := f.Disputes.CreateDispute(authorizationID, agentAddress, reason, evidence)
	return record, wireError(err)
}

// ResolveDispute resolves a dispute, see dispute.Manager.ResolveDispute.
func (f *Facilitator) ResolveDispute(disputeID string, resolution dispute.Resolution, notes json.RawMessage) (*dispute.Record, error) {
	record, err := f.Disputes.ResolveDispute(disputeID, resolution, notes)
	return record, wireError(err)
}

func (f *Facilitator) ListDisputes(agent string, status dispute.Status) []*dispute.Record {
	return f.Disputes.ListDisputes(agent, status)
}
