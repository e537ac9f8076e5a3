package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/settlement-facilitator/queue"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func signedAuth(id, agent, merchant, amount, currency string, now, expiresAt int64, nonce string) *Authorization {
	a := &Authorization{
		ID:              id,
		AgentAddress:    agent,
		MerchantAddress: merchant,
		ToolName:        "search",
		Amount:          amount,
		Currency:        currency,
		Timestamp:       now,
		ExpiresAt:       expiresAt,
		Nonce:           nonce,
	}
	a.Signature = digestFor(a)
	return a
}

func TestVerifyAcceptsValidAuthorization(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")

	result, err := l.Verify(auth)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	stored, ok := l.Get("auth-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, stored.Status)

	usage, ok := l.GetUsage("agent-1")
	require.True(t, ok)
	assert.Equal(t, 1, usage.RequestCount)
	assert.Equal(t, "0.05", usage.TotalAmount.String())
}

func TestVerifyRejectsDuplicateID(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")
	_, err := l.Verify(auth)
	require.NoError(t, err)

	dup := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-2")
	result, err := l.Verify(dup)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "Authorization already exists", result.Reason)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli()-120_000, now.UnixMilli()-60_000, "nonce-1")
	result, err := l.Verify(auth)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "Authorization expired", result.Reason)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")
	auth.Signature = "not-the-real-digest"

	result, err := l.Verify(auth)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "Invalid signature", result.Reason)
}

func TestQueueForSettlementTransitionsToValidated(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")
	_, err := l.Verify(auth)
	require.NoError(t, err)

	success, _, _, err := l.QueueForSettlement("auth-1")
	require.NoError(t, err)
	assert.True(t, success)

	stored, _ := l.Get("auth-1")
	assert.Equal(t, StatusValidated, stored.Status)
}

func TestQueueForSettlementInvokesThresholdChecker(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))
	l.SetThresholdChecker(func(agent string) (bool, string) {
		return true, "meetsCount"
	})

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")
	_, err := l.Verify(auth)
	require.NoError(t, err)

	success, shouldSettle, reason, err := l.QueueForSettlement("auth-1")
	require.NoError(t, err)
	assert.True(t, success)
	assert.True(t, shouldSettle)
	assert.Equal(t, "meetsCount", reason)
}

func TestQueueForSettlementRejectsMissingOrDuplicate(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	_, _, _, err := l.QueueForSettlement("missing")
	assert.Error(t, err)

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "0.05", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "nonce-1")
	_, err = l.Verify(auth)
	require.NoError(t, err)

	_, _, _, err = l.QueueForSettlement("auth-1")
	require.NoError(t, err)

	_, _, _, err = l.QueueForSettlement("auth-1")
	assert.Error(t, err)
}

func TestNewBatchSumsAmountsAndRoundsHalfEven(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	a1 := signedAuth("auth-1", "agent-1", "merchant-1", "0.0000005", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	a2 := signedAuth("auth-2", "agent-1", "merchant-1", "0.0000005", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n2")
	_, err := l.Verify(a1)
	require.NoError(t, err)
	_, err = l.Verify(a2)
	require.NoError(t, err)

	_, _, _, err = l.QueueForSettlement("auth-1")
	require.NoError(t, err)
	_, _, _, err = l.QueueForSettlement("auth-2")
	require.NoError(t, err)

	batch, err := l.NewBatch("agent-1", "merchant-1", []string{"auth-1", "auth-2"}, now)
	require.NoError(t, err)
	assert.Equal(t, "0.000001", batch.TotalAmount)
	assert.Equal(t, BatchPending, batch.Status)
	assert.Len(t, batch.Authorizations, 2)
}

func TestNewBatchRejectsMixedCurrency(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	a1 := signedAuth("auth-1", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	a2 := signedAuth("auth-2", "agent-1", "merchant-1", "1.00", "EURC", now.UnixMilli(), now.UnixMilli()+60_000, "n2")
	_, err := l.Verify(a1)
	require.NoError(t, err)
	_, err = l.Verify(a2)
	require.NoError(t, err)

	_, err = l.NewBatch("agent-1", "merchant-1", []string{"auth-1", "auth-2"}, now)
	assert.Error(t, err)
}

func TestCompleteSettlementMarksMembersSettledAndDequeues(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	q := queue.New()
	l := New(q, WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	_, err := l.Verify(auth)
	require.NoError(t, err)
	_, _, _, err = l.QueueForSettlement("auth-1")
	require.NoError(t, err)

	batch, err := l.NewBatch("agent-1", "merchant-1", []string{"auth-1"}, now)
	require.NoError(t, err)

	err = l.CompleteSettlement(batch.ID, "tx-sig-123")
	require.NoError(t, err)

	stored, _ := l.Get("auth-1")
	assert.Equal(t, StatusSettled, stored.Status)
	assert.False(t, q.Contains("auth-1"))

	completed, _ := l.GetBatch(batch.ID)
	assert.Equal(t, BatchCompleted, completed.Status)
	assert.Equal(t, "tx-sig-123", completed.TransactionSignature)

	usage, _ := l.GetUsage("agent-1")
	assert.Equal(t, 1, usage.SettledCount)
	assert.Equal(t, "1", usage.SettledAmount.String())
}

func TestFailSettlementReturnsMembersToPending(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	l := New(queue.New(), WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	_, err := l.Verify(auth)
	require.NoError(t, err)
	_, _, _, err = l.QueueForSettlement("auth-1")
	require.NoError(t, err)

	batch, err := l.NewBatch("agent-1", "merchant-1", []string{"auth-1"}, now)
	require.NoError(t, err)

	err = l.FailSettlement(batch.ID, "rpc timeout")
	require.NoError(t, err)

	stored, _ := l.Get("auth-1")
	assert.Equal(t, StatusPending, stored.Status)

	failed, _ := l.GetBatch(batch.ID)
	assert.Equal(t, BatchFailed, failed.Status)
	assert.Equal(t, "rpc timeout", failed.Error)
}

func TestMarkDisputedAndRequeue(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	q := queue.New()
	l := New(q, WithClock(fixedClock(now)))

	auth := signedAuth("auth-1", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli(), now.UnixMilli()+60_000, "n1")
	_, err := l.Verify(auth)
	require.NoError(t, err)
	_, _, _, err = l.QueueForSettlement("auth-1")
	require.NoError(t, err)

	require.NoError(t, l.MarkDisputed("auth-1"))
	stored, _ := l.Get("auth-1")
	assert.Equal(t, StatusDisputed, stored.Status)
	assert.False(t, q.Contains("auth-1"))

	require.NoError(t, l.Requeue("auth-1"))
	stored, _ = l.Get("auth-1")
	assert.Equal(t, StatusValidated, stored.Status)
	assert.True(t, q.Contains("auth-1"))
}

func TestCleanupExpiredOnlyTouchesPending(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	clock := now
	q := queue.New()
	l := New(q, WithClock(func() time.Time { return clock }))

	expiring := signedAuth("auth-1", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli()-10_000, now.UnixMilli()+1_000, "n1")
	_, err := l.Verify(expiring)
	require.NoError(t, err)

	validated := signedAuth("auth-2", "agent-1", "merchant-1", "1.00", "USDC", now.UnixMilli()-10_000, now.UnixMilli()+60_000, "n2")
	_, err = l.Verify(validated)
	require.NoError(t, err)
	_, _, _, err = l.QueueForSettlement("auth-2")
	require.NoError(t, err)

	clock = now.Add(2 * time.Second)

	count := l.CleanupExpired()
	assert.Equal(t, 1, count)

	stored, _ := l.Get("auth-1")
	assert.Equal(t, StatusExpired, stored.Status)

	stillValidated, _ := l.Get("auth-2")
	assert.Equal(t, StatusValidated, stillValidated.Status)
}
