package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
)

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}

// ClientOrderID derives a deterministic client_order_id from the
// identifying fields of an intent (spec.md §4.2): stable across process
// restarts so a duplicate cycle can never produce a second live order,
// and equal iff every identifying field is equal (spec.md §8 property 3).
func ClientOrderID(cycleID string, symbol core.Symbol, side core.Side, price, qty decimal.Decimal, reason core.IntentReason, strategyID string) string {
	payload := strings.Join([]string{
		cycleID, symbol.String(), string(side), price.String(), qty.String(), string(reason), strategyID,
	}, "|")
	return "co_" + hashHex(payload)
}

// PayloadHash hashes the canonicalized submit/cancel request body the
// action-dedupe table keys reuse detection on.
func PayloadHash(parts ...string) string {
	return hashHex(strings.Join(parts, "|"))
}

// SubmitPayloadHash canonicalizes a submit request for dedupe.
func SubmitPayloadHash(clientOrderID string, symbol core.Symbol, side core.Side, price, qty decimal.Decimal) string {
	return PayloadHash("SUBMIT", clientOrderID, symbol.String(), string(side), price.String(), qty.String())
}

// CancelPayloadHash canonicalizes a cancel request for dedupe.
func CancelPayloadHash(clientOrderID string) string {
	return PayloadHash("CANCEL", clientOrderID)
}

// ReplaceTxID derives a deterministic transactional id tying a cancel
// to the submit that will follow it once the cancel is confirmed
// terminal (spec.md §4.2 "Replace").
func ReplaceTxID(oldClientOrderID, newClientOrderID string) string {
	return fmt.Sprintf("replace:%s->%s", oldClientOrderID, newClientOrderID)
}
