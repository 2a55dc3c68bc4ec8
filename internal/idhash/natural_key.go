package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// FillKey computes a deterministic natural key for a fill without a trade id.
// Formula: SHA256(fill|symbol|side|order_id|price|qty|timestamp_ms)
// Returns hex-encoded hash (64 characters).
func FillKey(symbol, side, orderID, price, qty string, timestampMs int64) string {
	return hashFields("fill", symbol, side, orderID, price, qty, fmt.Sprintf("%d", timestampMs))
}

// CashflowKey computes a deterministic natural key for a cashflow without a flow id.
// Formula: SHA256(flow|type|symbol|asset|amount|timestamp_ms)
func CashflowKey(flowType, symbol, asset, amount string, timestampMs int64) string {
	return hashFields("flow", flowType, symbol, asset, amount, fmt.Sprintf("%d", timestampMs))
}

func hashFields(fields ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(hash[:])
}
