package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives hash(subscriber_id || step_id || attempt_epoch).
// attemptEpoch counts prior non-transient-retry attempts, so a transient
// retry reuses the same key (letting the ESP dedupe) while a fresh
// enrollment produces a fresh one.
func IdempotencyKey(subscriberID, stepID string, attemptEpoch int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", subscriberID, stepID, attemptEpoch)))
	return hex.EncodeToString(sum[:])
}
