// Package monitoring implements the Monitoring layer (C5): read-only
// projections over the Authorization Ledger, Settlement Engine, and
// Dispute Manager. Nothing in this package mutates core state.
package monitoring

import (
	"time"

	"github.com/x402-foundation/settlement-facilitator/dispute"
	"github.com/x402-foundation/settlement-facilitator/ledger"
)

// PaymentMetrics summarizes authorization volume and status breakdown.
type PaymentMetrics struct {
	CountByStatus     map[ledger.Status]int `json:"countByStatus"`
	TotalVolume       string                 `json:"totalVolume"`
	AverageAmount     string                 `json:"averageAmount"`
	AuthorizationRate float64                `json:"authorizationRate"` // per hour
}

// SettlementMetrics summarizes batch outcomes.
type SettlementMetrics struct {
	CountByStatus         map[ledger.BatchStatus]int `json:"countByStatus"`
	TotalSettled          int                        `json:"totalSettled"`
	AverageBatchSize      float64                    `json:"averageBatchSize"`
	AverageBatchAmount    string                     `json:"averageBatchAmount"`
	SettlementRate        float64                    `json:"settlementRate"` // per hour
	AverageSettlementTime float64                    `json:"averageSettlementTime"` // seconds
}

// DisputeMetrics summarizes dispute outcomes.
type DisputeMetrics struct {
	CountByStatus         map[dispute.Status]int `json:"countByStatus"`
	ApprovedDisputes      int                     `json:"approvedDisputes"`
	RejectedDisputes      int                     `json:"rejectedDisputes"`
	DisputeRate           float64                 `json:"disputeRate"` // percent
	AverageResolutionTime float64                 `json:"averageResolutionTime"` // seconds
}

// AgentAnalytics is a per-agent reputation and activity projection.
type AgentAnalytics struct {
	AgentAddress     string  `json:"agentAddress"`
	TotalAmount      string  `json:"totalAmount"`
	RequestCount     int     `json:"requestCount"`
	SettledCount     int     `json:"settledCount"`
	DisputeCount     int     `json:"disputeCount"`
	DisputeRate      float64 `json:"disputeRate"`
	FirstRequestAt   int64   `json:"firstRequestAt"`
	LastRequestAt    int64   `json:"lastRequestAt"`
	ReputationScore  float64 `json:"reputationScore"`
}

// HealthStatus is the overall assessed state of the system.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// SystemHealth is the operational snapshot consumed by uptime checks.
type SystemHealth struct {
	Status                HealthStatus `json:"status"`
	UptimeSeconds         float64      `json:"uptime"`
	QueueBacklog          int          `json:"queueBacklog"`
	AutoSettlementRunning bool         `json:"autoSettlementRunning"`
	ProcessingDelay       float64      `json:"processingDelay"` // seconds
	Issues                []string     `json:"issues"`
}

// Snapshot bundles every projection taken at one instant, the unit stored
// in MetricsHistory.
type Snapshot struct {
	Timestamp int64             `json:"timestamp"`
	Payment   PaymentMetrics    `json:"payment"`
	Settlement SettlementMetrics `json:"settlement"`
	Dispute   DisputeMetrics    `json:"dispute"`
	Health    SystemHealth      `json:"health"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func hoursSince(startedAt time.Time, now time.Time) float64 {
	h := now.Sub(startedAt).Hours()
	if h <= 0 {
		return 1.0 / 3600 // avoid division by zero for sub-second uptimes
	}
	return h
}
