package persona

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// Fraud case statuses
const (
	FraudStatusPending            = "pending_review"
	FraudStatusSafe               = "confirmed_safe"
	FraudStatusFraud              = "confirmed_fraud"
	FraudStatusVerificationFailed = "verification_failed"
)

// FraudResolutions are the statuses a conversation may set.
var FraudResolutions = []string{FraudStatusSafe, FraudStatusFraud, FraudStatusVerificationFailed}

// UpdateFraudCase sets the status and notes of the case of userName. The user
// name matches case-insensitively.
func UpdateFraudCase(ctx context.Context, rs store.RecordStore, userName, status, note string) (models.Record, error) {
	idx := slices.IndexFunc(FraudResolutions, func(s string) bool { return strings.EqualFold(s, status) })
	if idx < 0 {
		return nil, fmt.Errorf("%w: fraud status %q is not one of %v", flow.ErrInvalidValue, status, FraudResolutions)
	}
	status = FraudResolutions[idx]

	rec, err := rs.Update(ctx, StoreFraudCases, userName, func(r models.Record) error {
		r["status"] = status
		r["notes"] = note
		r["updated_at"] = time.Now().UTC().Format(flow.TimestampLayout)
		return nil
	})
	if err != nil {
		slog.Error("UpdateFraudCase: update failed", "error", err, "userName", userName)
		return nil, err
	}
	slog.Info("UpdateFraudCase: case updated", "userName", userName, "status", status)
	return rec, nil
}
