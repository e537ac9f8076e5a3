package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/x402-foundation/settlement-facilitator/ledger"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithThresholds overrides the default settlement thresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithClock overrides the engine's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the Settlement Engine (C3): it evaluates threshold policy,
// groups queued authorizations by (agent, merchant), creates batches, and
// dispatches them to a Signer, guarding against double-submission of a
// (agent, merchant) pair that is already being settled.
type Engine struct {
	ledger *ledger.Ledger
	signer Signer

	thresholds Thresholds
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Settlement Engine bound to the given Ledger and Signer, and
// wires itself as the Ledger's ThresholdChecker.
func New(l *ledger.Ledger, signer Signer, opts ...Option) *Engine {
	e := &Engine{
		ledger: l,
		signer: signer,
		thresholds: Thresholds{
			Amount: "10.00",
			Time:   int64(24 * time.Hour / time.Millisecond),
			Count:  50,
		},
		now:      func() time.Time { return time.Now() },
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	l.SetThresholdChecker(e.CheckThresholds)
	return e
}

func groupKey(agent, merchant string) string {
	if merchant == "" {
		return agent + "|*"
	}
	return agent + "|" + merchant
}

// groupsForAgent computes one Group per merchant the agent currently has
// queued authorizations against.
func (e *Engine) groupsForAgent(agent string) []Group {
	merchants := e.ledger.GetPendingMerchants(agent)

	var firstRequestAt int64
	if usage, ok := e.ledger.GetUsage(agent); ok {
		firstRequestAt = usage.FirstRequestAt
	}

	groups := make([]Group, 0, len(merchants))
	for _, merchant := range merchants {
		pending := e.ledger.ListPending(agent)
		var (
			ids      []string
			total    = decimal.Zero
			currency string
		)
		for _, a := range pending {
			if a.MerchantAddress != merchant {
				continue
			}
			amt, err := decimal.NewFromString(a.Amount)
			if err != nil {
				continue
			}
			ids = append(ids, a.ID)
			total = total.Add(amt)
			currency = a.Currency
		}
		if len(ids) == 0 {
			continue
		}
		groups = append(groups, Group{
			AgentAddress:        agent,
			MerchantAddress:     merchant,
			Currency:            currency,
			AuthorizationIDs:    ids,
			TotalAmount:         total.String(),
			AgentFirstRequestAt: firstRequestAt,
		})
	}
	return groups
}

// CheckThresholds reports whether any of the agent's (agent, merchant)
// groups currently meets the amount, time, or count threshold (spec §4.3).
// It implements ledger.ThresholdChecker.
func (e *Engine) CheckThresholds(agent string) (bool, string) {
	threshold, err := decimal.NewFromString(e.thresholds.Amount)
	if err != nil {
		threshold = decimal.Zero
	}
	now := e.now().UnixMilli()

	for _, g := range e.groupsForAgent(agent) {
		total, err := decimal.NewFromString(g.TotalAmount)
		if err == nil && total.GreaterThanOrEqual(threshold) {
			return true, "meetsAmount"
		}
		if g.AgentFirstRequestAt > 0 && now-g.AgentFirstRequestAt >= e.thresholds.Time {
			return true, "meetsTime"
		}
		if len(g.AuthorizationIDs) >= e.thresholds.Count {
			return true, "meetsCount"
		}
	}
	return false, ""
}

// Tick scans every agent's pending groups, settling any that meet a
// threshold. It is driven by the Scheduler but may also be invoked
// directly (e.g. by tests).
func (e *Engine) Tick(ctx context.Context) {
	for _, agent := range e.ledger.ListAgents() {
		for _, g := range e.groupsForAgent(agent) {
			shouldSettle, _ := e.groupMeetsThreshold(g)
			if !shouldSettle {
				continue
			}
			_, _ = e.settleGroup(ctx, g)
		}
	}
	e.ledger.CleanupExpired()
}

func (e *Engine) groupMeetsThreshold(g Group) (bool, string) {
	threshold, err := decimal.NewFromString(e.thresholds.Amount)
	if err != nil {
		threshold = decimal.Zero
	}
	total, err := decimal.NewFromString(g.TotalAmount)
	if err == nil && total.GreaterThanOrEqual(threshold) {
		return true, "meetsAmount"
	}
	now := e.now().UnixMilli()
	if g.AgentFirstRequestAt > 0 && now-g.AgentFirstRequestAt >= e.thresholds.Time {
		return true, "meetsTime"
	}
	if len(g.AuthorizationIDs) >= e.thresholds.Count {
		return true, "meetsCount"
	}
	return false, ""
}

// TriggerSettlement manually settles every eligible group for the given
// agent, optionally scoped to one merchant. It bypasses threshold
// evaluation: the caller is asking for settlement regardless of policy.
func (e *Engine) TriggerSettlement(ctx context.Context, agent, merchant string) ([]*ledger.SettlementBatch, error) {
	var groups []Group
	for _, g := range e.groupsForAgent(agent) {
		if merchant != "" && g.MerchantAddress != merchant {
			continue
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no pending authorizations for agent")
	}

	var batches []*ledger.SettlementBatch
	for _, g := range groups {
		batch, err := e.settleGroup(ctx, g)
		if batch != nil {
			batches = append(batches, batch)
		}
		if err != nil {
			return batches, err
		}
	}
	return batches, nil
}

// CreateBatch groups the agent's queued authorizations — scoped to
// merchant if given, otherwise the merchant with the most queued entries
// for that agent (ties broken arbitrarily) — and snapshots them into a new
// pending SettlementBatch. Unlike TriggerSettlement, it does not dispatch
// to the Signer; the batch is left pending for a later complete/fail call.
func (e *Engine) CreateBatch(agent, merchant string) (*ledger.SettlementBatch, error) {
	groups := e.groupsForAgent(agent)
	if len(groups) == 0 {
		return nil, nil
	}

	var chosen *Group
	if merchant != "" {
		for i := range groups {
			if groups[i].MerchantAddress == merchant {
				chosen = &groups[i]
				break
			}
		}
	} else {
		for i := range groups {
			if chosen == nil || len(groups[i].AuthorizationIDs) > len(chosen.AuthorizationIDs) {
				chosen = &groups[i]
			}
		}
	}
	if chosen == nil {
		return nil, nil
	}

	return e.ledger.NewBatch(chosen.AgentAddress, chosen.MerchantAddress, chosen.AuthorizationIDs, e.now())
}

// settleGroup creates a batch for g and dispatches it to the Signer. The
// inFlight map fully serializes dispatch per (agent, merchant) pair: a
// second caller for the same key while one is already dispatching returns
// (nil, nil) rather than double-submitting, and by the time the lock is
// released the ledger has already recorded the outcome, so no separate
// result cache is needed on top of it.
func (e *Engine) settleGroup(ctx context.Context, g Group) (*ledger.SettlementBatch, error) {
	key := groupKey(g.AgentAddress, g.MerchantAddress)

	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return nil, nil
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	batch, err := e.ledger.NewBatch(g.AgentAddress, g.MerchantAddress, g.AuthorizationIDs, e.now())
	if err != nil {
		return nil, err
	}

	minorUnits, err := ToMinorUnits(batch.TotalAmount, 6)
	if err != nil {
		_ = e.ledger.FailSettlement(batch.ID, err.Error())
		final, _ := e.ledger.GetBatch(batch.ID)
		return final, err
	}

	txSig, err := e.signer.Transfer(ctx, g.AgentAddress, g.MerchantAddress, g.Currency, minorUnits)
	if err != nil {
		_ = e.ledger.FailSettlement(batch.ID, err.Error())
	} else {
		_ = e.ledger.CompleteSettlement(batch.ID, txSig)
	}
	final, _ := e.ledger.GetBatch(batch.ID)
	return final, err
}

// ToMinorUnits scales a decimal amount string to an integer in the asset's
// smallest unit, e.g. "1.5" at 6 decimals -> 1500000. Adapted from the
// teacher's AmountToAssetUnits, using exact decimal arithmetic instead of
// big.Float to avoid binary-rounding drift on repeating fractions.
func ToMinorUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	scaled := d.Shift(decimals).RoundBank(0)
	return scaled.BigInt(), nil
}
