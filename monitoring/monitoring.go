package monitoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/x402-foundation/settlement-facilitator/dispute"
	"github.com/x402-foundation/settlement-facilitator/ledger"
	"github.com/x402-foundation/settlement-facilitator/queue"
)

// SchedulerStatus is injected by the caller so Monitoring never imports the
// settlement package, mirroring the ThresholdChecker injection pattern
// used between the ledger and settlement engine.
type SchedulerStatus func() (running bool)

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithClock overrides the monitor's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the Monitoring layer (C5).
type Monitor struct {
	ledger         *ledger.Ledger
	queue          *queue.Queue
	disputes       *dispute.Manager
	scheduler      SchedulerStatus
	autoSettlement bool

	now       func() time.Time
	startedAt time.Time
}

// New creates a Monitor bound to the given components. autoSettlement is the
// configured AUTO_SETTLEMENT flag: Health only flags the scheduler as a
// problem when auto-settlement was supposed to be running in the first
// place, per spec §4.5 ("scheduler stopped while auto-trigger enabled").
func New(l *ledger.Ledger, q *queue.Queue, d *dispute.Manager, scheduler SchedulerStatus, autoSettlement bool, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:         l,
		queue:          q,
		disputes:       d,
		scheduler:      scheduler,
		autoSettlement: autoSettlement,
		now:            func() time.Time { return time.Now() },
	}
	m.startedAt = m.now()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PaymentMetrics computes the current payment-volume projection.
func (m *Monitor) PaymentMetrics() PaymentMetrics {
	auths := m.ledger.AllAuthorizations()

	counts := map[ledger.Status]int{}
	total := decimal.Zero
	for _, a := range auths {
		counts[a.Status]++
		if amt, err := decimal.NewFromString(a.Amount); err == nil {
			total = total.Add(amt)
		}
	}

	avg := decimal.Zero
	if len(auths) > 0 {
		avg = total.DivRound(decimal.NewFromInt(int64(len(auths))), 6)
	}

	return PaymentMetrics{
		CountByStatus:     counts,
		TotalVolume:       total.RoundBank(6).StringFixed(6),
		AverageAmount:     avg.StringFixed(6),
		AuthorizationRate: float64(len(auths)) / hoursSince(m.startedAt, m.now()),
	}
}

// SettlementMetrics computes the current batch-outcome projection.
func (m *Monitor) SettlementMetrics() SettlementMetrics {
	batches := m.ledger.AllBatches()

	counts := map[ledger.BatchStatus]int{}
	var (
		totalSettled   int
		totalMembers   int
		totalAmount    = decimal.Zero
		totalDuration  float64
		completedCount int
	)
	for _, b := range batches {
		counts[b.Status]++
		if b.Status == ledger.BatchCompleted {
			totalSettled++
			completedCount++
			totalMembers += len(b.Authorizations)
			if amt, err := decimal.NewFromString(b.TotalAmount); err == nil {
				totalAmount = totalAmount.Add(amt)
			}
			if b.SettledAt != nil {
				totalDuration += float64(*b.SettledAt-b.CreatedAt) / 1000
			}
		}
	}

	avgSize := 0.0
	avgAmount := decimal.Zero
	avgDuration := 0.0
	if completedCount > 0 {
		avgSize = float64(totalMembers) / float64(completedCount)
		avgAmount = totalAmount.DivRound(decimal.NewFromInt(int64(completedCount)), 6)
		avgDuration = totalDuration / float64(completedCount)
	}

	return SettlementMetrics{
		CountByStatus:         counts,
		TotalSettled:          totalSettled,
		AverageBatchSize:      avgSize,
		AverageBatchAmount:    avgAmount.StringFixed(6),
		SettlementRate:        float64(totalSettled) / hoursSince(m.startedAt, m.now()),
		AverageSettlementTime: avgDuration,
	}
}

// DisputeMetrics computes the current dispute-outcome projection.
func (m *Monitor) DisputeMetrics() DisputeMetrics {
	disputes := m.disputes.ListDisputes("", "")
	totalAuths := len(m.ledger.AllAuthorizations())

	counts := map[dispute.Status]int{}
	var (
		approved, rejected int
		totalDuration      float64
		resolvedCount      int
	)
	for _, d := range disputes {
		counts[d.Status]++
		if d.Status != dispute.StatusResolved {
			continue
		}
		resolvedCount++
		if d.Resolution == dispute.Upheld {
			approved++
		} else {
			rejected++
		}
		if d.ResolvedAt != nil {
			totalDuration += float64(*d.ResolvedAt-d.CreatedAt) / 1000
		}
	}

	rate := 0.0
	if totalAuths > 0 {
		rate = float64(len(disputes)) / float64(totalAuths) * 100
	}
	avgDuration := 0.0
	if resolvedCount > 0 {
		avgDuration = totalDuration / float64(resolvedCount)
	}

	return DisputeMetrics{
		CountByStatus:         counts,
		ApprovedDisputes:      approved,
		RejectedDisputes:      rejected,
		DisputeRate:           rate,
		AverageResolutionTime: avgDuration,
	}
}

// AgentAnalytics computes the reputation and activity projection for one
// agent.
func (m *Monitor) AgentAnalytics(agent string) (AgentAnalytics, bool) {
	usage, ok := m.ledger.GetUsage(agent)
	if !ok {
		return AgentAnalytics{}, false
	}

	disputeCount := len(m.disputes.ListDisputes(agent, ""))

	settledRate := 100.0
	if usage.RequestCount > 0 {
		settledRate = float64(usage.SettledCount) / float64(usage.RequestCount) * 100
	}
	disputeRate := 0.0
	if usage.RequestCount > 0 {
		disputeRate = float64(disputeCount) / float64(usage.RequestCount) * 100
	}
	reputation := clamp(settledRate-2*disputeRate, 0, 100)

	return AgentAnalytics{
		AgentAddress:    agent,
		TotalAmount:     usage.TotalAmount.RoundBank(6).StringFixed(6),
		RequestCount:    usage.RequestCount,
		SettledCount:    usage.SettledCount,
		DisputeCount:    disputeCount,
		DisputeRate:     disputeRate,
		FirstRequestAt:  usage.FirstRequestAt,
		LastRequestAt:   usage.LastRequestAt,
		ReputationScore: reputation,
	}, true
}

// AllAgentAnalytics computes the projection for every agent the ledger has
// ever seen.
func (m *Monitor) AllAgentAnalytics() []AgentAnalytics {
	agents := m.ledger.ListAgents()
	out := make([]AgentAnalytics, 0, len(agents))
	for _, agent := range agents {
		if a, ok := m.AgentAnalytics(agent); ok {
			out = append(out, a)
		}
	}
	return out
}

// Health computes the current system-health snapshot.
func (m *Monitor) Health() SystemHealth {
	backlog := m.queue.Len()
	running := m.scheduler != nil && m.scheduler()

	delay := 0.0
	if running {
		delay = 2 * float64(backlog)
	}

	var issues []string
	if m.autoSettlement && !running {
		issues = append(issues, "auto-settlement scheduler is stopped")
	}
	if ratio := failureRatio(m.ledger.AllBatches()); ratio > 0.1 {
		issues = append(issues, "settlement failure ratio exceeds 10%")
	}
	if backlog > 1000 {
		issues = append(issues, "settlement queue backlog exceeds 1000")
	}

	status := HealthHealthy
	switch {
	case len(issues) > 3:
		status = HealthDown
	case len(issues) > 0:
		status = HealthDegraded
	}

	return SystemHealth{
		Status:                status,
		UptimeSeconds:         m.now().Sub(m.startedAt).Seconds(),
		QueueBacklog:          backlog,
		AutoSettlementRunning: running,
		ProcessingDelay:       delay,
		Issues:                issues,
	}
}

func failureRatio(batches []*ledger.SettlementBatch) float64 {
	var failed, completed int
	for _, b := range batches {
		switch b.Status {
		case ledger.BatchFailed:
			failed++
		case ledger.BatchCompleted:
			completed++
		}
	}
	if completed+failed == 0 {
		return 0
	}
	return float64(failed) / float64(completed+failed)
}

// Snapshot captures every projection at once, for MetricsHistory.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:  m.now().UnixMilli(),
		Payment:    m.PaymentMetrics(),
		Settlement: m.SettlementMetrics(),
		Dispute:    m.DisputeMetrics(),
		Health:     m.Health(),
	}
}
