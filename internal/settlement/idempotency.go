package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/types"
)

// IdempotencyRecord maps a client-supplied key to the settlement it created.
// The mapping is the sole deduplication authority: it is written in the same
// transaction as the settlement and retained for a bounded window, after
// which the key may be reclaimed.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	SettlementID   string    `json:"settlement_id"`
	RequestHash    string    `json:"request_hash"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// requestHash canonicalizes the fields that define request equivalence and
// hashes them. A replay under the same key with a different hash is a
// conflicting replay and is rejected outright.
func requestHash(settlement *types.Settlement) string {
	parts := []string{
		"initiator=" + settlement.Initiator,
		"purpose=" + settlement.Purpose,
		"remittance=" + settlement.RemittanceInfo,
	}
	for _, leg := range settlement.Legs {
		part := fmt.Sprintf("leg.%d=%s/%s->%s/%s %s %s",
			leg.LegNumber,
			leg.FromParticipant, leg.FromAccount,
			leg.ToParticipant, leg.ToAccount,
			leg.Amount.Value.String(), leg.Amount.Currency)
		if leg.FxInstruction != nil {
			part += fmt.Sprintf(" fx=%s:%s:%s",
				leg.FxInstruction.Mode, leg.FxInstruction.TargetCurrency, leg.FxInstruction.RateReference)
		}
		parts = append(parts, part)
	}
	keys := make([]string, 0, len(settlement.Metadata))
	for k := range settlement.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("meta.%s=%s", k, settlement.Metadata[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// resolveIdempotency checks the key against the stored mapping. It returns
// the existing settlement for an equivalent replay, a VALIDATION_ERROR for a
// conflicting replay, and (nil, nil) when the key is novel or reclaimed.
func (s *Service) resolveIdempotency(key, hash string) (*types.Settlement, error) {
	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if record == nil || record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}

	if record.RequestHash != hash {
		return nil, &types.Error{
			Code:    types.CodeValidationError,
			Message: "idempotency key reused with different request parameters",
			Field:   "idempotency_key",
		}
	}

	existing, err := s.db.GetSettlement(record.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement for idempotency key: %w", err)
	}
	return existing, nil
}
