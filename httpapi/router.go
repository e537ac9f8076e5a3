// Package httpapi is the HTTP boundary adapter: it translates the public
// API surface onto Facilitator calls, using gin the way the teacher's
// pkg/gin/middleware.go builds its payment middleware.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/settlement-facilitator"
)

// NewRouter builds a gin.Engine exposing every endpoint over f.
func NewRouter(f *facilitator.Facilitator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	h := &handlers{f: f}

	r.GET("/health", h.liveness)

	r.POST("/verify", h.verify)
	r.POST("/queue", h.queue)
	r.POST("/batch/create", h.createBatch)
	r.POST("/batch/complete", h.completeBatch)
	r.POST("/batch/fail", h.failBatch)
	r.GET("/list", h.listByAgent)
	r.GET("/pending", h.listPending)
	r.GET("/merchants", h.pendingMerchants)
	r.GET("/batches", h.listBatches)
	r.GET("/usage", h.usage)

	r.POST("/dispute", h.createDispute)
	r.POST("/dispute/resolve", h.resolveDispute)
	r.GET("/disputes", h.listDisputes)

	r.POST("/settlement/trigger", h.triggerSettlement)
	r.POST("/settlement/start", h.startSettlement)
	r.POST("/settlement/stop", h.stopSettlement)

	r.GET("/monitoring/dashboard", h.monitoringDashboard)
	r.GET("/monitoring/metrics", h.monitoringMetrics)
	r.GET("/monitoring/agent/:agent", h.monitoringAgent)
	r.GET("/monitoring/agents", h.monitoringAgents)
	r.GET("/monitoring/health", h.monitoringHealth)
	r.GET("/monitoring/history", h.monitoringHistory)

	return r
}

type handlers struct {
	f *facilitator.Facilitator
}

func ok(data gin.H) gin.H {
	out := gin.H{"success": true}
	for k, v := range data {
		out[k] = v
	}
	return out
}

func fail(message string) gin.H {
	return gin.H{"success": false, "error": message}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
