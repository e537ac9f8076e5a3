package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/settlement-facilitator"
	"github.com/x402-foundation/settlement-facilitator/config"
	"github.com/x402-foundation/settlement-facilitator/ledger"
	"github.com/x402-foundation/settlement-facilitator/signer"
)

func newTestRouter(t *testing.T, now time.Time) (*gin.Engine, *facilitator.Facilitator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load(
		config.WithAutoSettlement(false),
		config.WithSettlementThresholdAmount("1.00"),
	)
	mock := signer.NewMock("")
	f := facilitator.New(cfg, mock, facilitator.WithClock(func() time.Time { return now }))
	return NewRouter(f), f
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signedVerifyBody(id, agent, merchant, amount, currency string, now, expiresAt int64, nonce string) gin.H {
	return gin.H{
		"id": id, "agentAddress": agent, "merchantAddress": merchant, "toolName": "search",
		"amount": amount, "currency": currency, "timestamp": now, "expiresAt": expiresAt, "nonce": nonce,
		"signature": ledger.Digest(id, agent, merchant, amount, currency, now, expiresAt, nonce),
	}
}

func TestVerifyEndpointReturnsSuccessEnvelope(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	body := signedVerifyBody("auth-1", "agent-1", "merchant-1", "0.50", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	w := doJSON(r, http.MethodPost, "/verify", body)

	require.Equal(t, http.StatusOK, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, true, resp["valid"])
	require.Contains(t, resp, "authorization")
}

func TestVerifyEndpointRejectsBadSignature(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	body := signedVerifyBody("auth-1", "agent-1", "merchant-1", "0.50", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	body["signature"] = "not-the-real-digest"
	w := doJSON(r, http.MethodPost, "/verify", body)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, false, resp["valid"])
}

func TestTriggerSettlementEndpointDispatchesBatch(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	body := signedVerifyBody("auth-1", "agent-1", "merchant-1", "0.50", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	w := doJSON(r, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/queue", gin.H{"authorizationId": "auth-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/settlement/trigger", gin.H{"agentAddress": "agent-1", "merchantAddress": "merchant-1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	batches, ok := resp["batches"].([]interface{})
	require.True(t, ok)
	require.Len(t, batches, 1)

	batch := batches[0].(map[string]interface{})
	assert.Equal(t, string(ledger.BatchCompleted), batch["status"])
}

func TestCreateDisputeEndpointRejectsAgentAddressMismatch(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	body := signedVerifyBody("auth-1", "agent-1", "merchant-1", "0.50", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	w := doJSON(r, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/dispute", gin.H{
		"authorizationId": "auth-1",
		"agentAddress":    "agent-2",
		"reason":          "not mine",
	})

	require.Equal(t, http.StatusForbidden, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Agent address mismatch", resp["error"])
}

func TestCreateDisputeEndpointRejectsMissingAuthorization(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	w := doJSON(r, http.MethodPost, "/dispute", gin.H{
		"authorizationId": "does-not-exist",
		"agentAddress":    "agent-1",
		"reason":          "missing",
	})

	require.Equal(t, http.StatusNotFound, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Authorization not found", resp["error"])
}

func TestCreateDisputeEndpointSucceedsForMatchingAgent(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	r, _ := newTestRouter(t, now)

	body := signedVerifyBody("auth-1", "agent-1", "merchant-1", "0.50", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	w := doJSON(r, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/dispute", gin.H{
		"authorizationId": "auth-1",
		"agentAddress":    "agent-1",
		"reason":          "bad result",
	})

	require.Equal(t, http.StatusOK, w.Code)

	var resp gin.H
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	require.Contains(t, resp, "dispute")
}
