package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/x402-foundation/settlement-facilitator"
	"github.com/x402-foundation/settlement-facilitator/dispute"
	"github.com/x402-foundation/settlement-facilitator/ledger"
)

// facilitatorErrorMessage unwraps a FacilitatorError down to its plain
// Message for the JSON envelope's "error" field, so callers see the same
// human-readable text regardless of whether the core attached a Code.
func facilitatorErrorMessage(err error) string {
	if fe, ok := err.(*facilitator.FacilitatorError); ok {
		return fe.Message
	}
	return err.Error()
}

// statusForError maps a FacilitatorError's Code to an HTTP status; errors
// that aren't a FacilitatorError (unexpected internal failures) fall back
// to 400, matching every other handler's plain-error behavior in this file.
// Callers that need a finer-grained status than a Code implies (e.g. the
// dispute mismatch case, which is a validation_error but maps to 403 rather
// than validation_error's usual 400) check the Message themselves first.
func statusForError(err error) int {
	fe, ok := err.(*facilitator.FacilitatorError)
	if !ok {
		return http.StatusBadRequest
	}
	if fe.Code == facilitator.ErrCodeNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (h *handlers) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type verifyRequest struct {
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
}

func (h *handlers) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	auth := &ledger.Authorization{
		ID:              req.ID,
		AgentAddress:    req.AgentAddress,
		MerchantAddress: req.MerchantAddress,
		ToolName:        req.ToolName,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Timestamp:       req.Timestamp,
		ExpiresAt:       req.ExpiresAt,
		Nonce:           req.Nonce,
		Signature:       req.Signature,
	}

	result, err := h.f.Verify(auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, fail(err.Error()))
		return
	}
	if !result.Valid {
		resp := fail(result.Reason)
		resp["valid"] = false
		resp["reason"] = result.Reason
		resp["code"] = result.Code
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"valid": true, "authorization": auth}))
}

type queueRequest struct {
	AuthorizationID string `json:"authorizationId"`
}

func (h *handlers) queue(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	success, shouldSettle, reason, err := h.f.QueueForSettlement(req.AuthorizationID)
	if err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"success": success, "shouldSettle": shouldSettle, "reason": reason}))
}

type batchCreateRequest struct {
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
}

func (h *handlers) createBatch(c *gin.Context) {
	var req batchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	batch, err := h.f.CreateBatch(req.AgentAddress, req.MerchantAddress)
	if err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	if batch == nil {
		c.JSON(http.StatusOK, ok(gin.H{"batch": nil}))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"batch": batch}))
}

type batchCompleteRequest struct {
	BatchID              string `json:"batchId"`
	TransactionSignature string `json:"transactionSignature"`
}

func (h *handlers) completeBatch(c *gin.Context) {
	var req batchCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}
	if err := h.f.CompleteSettlement(req.BatchID, req.TransactionSignature); err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(nil))
}

type batchFailRequest struct {
	BatchID string `json:"batchId"`
	Error   string `json:"error"`
}

func (h *handlers) failBatch(c *gin.Context) {
	var req batchFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}
	if err := h.f.FailSettlement(req.BatchID, req.Error); err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(nil))
}

func (h *handlers) listByAgent(c *gin.Context) {
	agent := c.Query("agentAddress")
	var statuses []ledger.Status
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, ledger.Status(s))
	}
	c.JSON(http.StatusOK, ok(gin.H{"authorizations": h.f.ListByAgent(agent, statuses...)}))
}

func (h *handlers) listPending(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, ok(gin.H{"authorizations": h.f.ListPending(agent)}))
}

func (h *handlers) pendingMerchants(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, ok(gin.H{"merchants": h.f.GetPendingMerchants(agent)}))
}

func (h *handlers) listBatches(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, ok(gin.H{"batches": h.f.ListBatches(agent)}))
}

func (h *handlers) usage(c *gin.Context) {
	agent := c.Query("agentAddress")
	usage, found := h.f.GetUsage(agent)
	if !found {
		c.JSON(http.StatusNotFound, fail("no usage for agent"))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"usage": usage}))
}

type createDisputeRequest struct {
	AuthorizationID string          `json:"authorizationId"`
	AgentAddress    string          `json:"agentAddress"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
}

func (h *handlers) createDispute(c *gin.Context) {
	var req createDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	if req.AgentAddress == "" {
		c.JSON(http.StatusBadRequest, fail("agentAddress is required"))
		return
	}

	record, err := h.f.CreateDispute(req.AuthorizationID, req.AgentAddress, req.Reason, req.Evidence)
	if err != nil {
		status := statusForError(err)
		if fe, ok := err.(*facilitator.FacilitatorError); ok && fe.Message == "Agent address mismatch" {
			status = http.StatusForbidden
		}
		c.JSON(status, fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"dispute": record}))
}

type resolveDisputeRequest struct {
	DisputeID  string          `json:"disputeId"`
	Resolution string          `json:"resolution"`
	Note       json.RawMessage `json:"note,omitempty"`
}

func (h *handlers) resolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	resolution, err := parseResolution(req.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	record, err := h.f.ResolveDispute(req.DisputeID, resolution, req.Note)
	if err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"dispute": record}))
}

// parseResolution accepts both the wire-contract "approved"/"rejected"
// vocabulary in spec §4.4 and the core's own upheld/overruled naming, so
// boundary clients can use either.
func parseResolution(v string) (dispute.Resolution, error) {
	switch v {
	case "approved", string(dispute.Upheld):
		return dispute.Upheld, nil
	case "rejected", string(dispute.Overruled):
		return dispute.Overruled, nil
	default:
		return "", &badResolutionError{value: v}
	}
}

type badResolutionError struct{ value string }

func (e *badResolutionError) Error() string { return "invalid resolution: " + e.value }

func (h *handlers) listDisputes(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, ok(gin.H{"disputes": h.f.ListDisputes(agent, "")}))
}

type triggerSettlementRequest struct {
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
}

func (h *handlers) triggerSettlement(c *gin.Context) {
	var req triggerSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail(err.Error()))
		return
	}

	batches, err := h.f.TriggerSettlement(c.Request.Context(), req.AgentAddress, req.MerchantAddress)
	if err != nil {
		c.JSON(statusForError(err), fail(facilitatorErrorMessage(err)))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"batches": batches}))
}

func (h *handlers) startSettlement(c *gin.Context) {
	h.f.Scheduler.Start(context.Background())
	c.JSON(http.StatusOK, ok(nil))
}

func (h *handlers) stopSettlement(c *gin.Context) {
	h.f.Scheduler.Stop()
	c.JSON(http.StatusOK, ok(nil))
}

func (h *handlers) monitoringDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{"snapshot": h.f.Monitor.Snapshot()}))
}

func (h *handlers) monitoringMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{
		"payment":    h.f.Monitor.PaymentMetrics(),
		"settlement": h.f.Monitor.SettlementMetrics(),
		"dispute":    h.f.Monitor.DisputeMetrics(),
	}))
}

func (h *handlers) monitoringAgent(c *gin.Context) {
	agent := c.Param("agent")
	analytics, found := h.f.Monitor.AgentAnalytics(agent)
	if !found {
		c.JSON(http.StatusNotFound, fail("no analytics for agent"))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"agent": analytics}))
}

func (h *handlers) monitoringAgents(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{"agents": h.f.Monitor.AllAgentAnalytics()}))
}

func (h *handlers) monitoringHealth(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{"health": h.f.Monitor.Health()}))
}

func (h *handlers) monitoringHistory(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{"history": h.f.History.All()}))
}
