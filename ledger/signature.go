package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Digest computes the canonical signature digest for an authorization:
//
//	sha256(id|agentAddress|merchantAddress|amount|currency|timestamp|expiresAt|nonce)
//
// hex-encoded. Integers are rendered base-10 without leading zeros, matching
// the wire contract in spec §6. This is the authoritative signature scheme
// the core enforces; a stronger wallet-based signature may be layered on
// top by an embedder but is not verified here.
func Digest(id, agentAddress, merchantAddress, amount, currency string, timestamp, expiresAt int64, nonce string) string {
	payload := strings.Join([]string{
		id,
		agentAddress,
		merchantAddress,
		amount,
		currency,
		strconv.FormatInt(timestamp, 10),
		strconv.FormatInt(expiresAt, 10),
		nonce,
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// digestFor recomputes the canonical digest for an authorization record.
func digestFor(a *Authorization) string {
	return Digest(a.ID, a.AgentAddress, a.MerchantAddress, a.Amount, a.Currency, a.Timestamp, a.ExpiresAt, a.Nonce)
}
