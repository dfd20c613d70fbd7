package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/models"
)

// Actors recorded on audit entries.
const (
	ActorReconciler = "reconciler"
	ActorLifecycle  = "lifecycle"
)

// Entity types recorded on audit entries.
const (
	EntityPolicy   = "policy"
	EntityClaim    = "claim"
	EntityProvider = "provider"
)

// Write appends one audit record capturing the before/after state of a
// mutation. Before may be nil for record creation.
func Write(db *gorm.DB, entityType, entityID, action string, before, after interface{}, actor string, confidence float64) error {
	beforeJSON, err := snapshot(before)
	if err != nil {
		return fmt.Errorf("audit: encode before: %w", err)
	}
	afterJSON, err := snapshot(after)
	if err != nil {
		return fmt.Errorf("audit: encode after: %w", err)
	}
	record := models.AuditRecord{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Before:     beforeJSON,
		After:      afterJSON,
		Confidence: confidence,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		return fmt.Errorf("audit: persist record: %w", err)
	}
	return nil
}

func snapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
