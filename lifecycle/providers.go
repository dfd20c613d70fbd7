package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/audit"
	"claimchain/models"
)

// OnboardProviderInput carries one provider registration. Credential and
// license documents may be supplied either by content address or as raw bytes
// to pin.
type OnboardProviderInput struct {
	DID           string
	WalletAddress string
	VcCID         string
	Credential    []byte
	LicenseCID    string
	License       []byte
}

// OnboardProvider registers a provider in Pending state. Providers are never
// physically deleted; only insurer approval actions mutate their status.
func (m *Manager) OnboardProvider(ctx context.Context, input OnboardProviderInput) (*ProviderResult, error) {
	did := strings.TrimSpace(input.DID)
	if did == "" {
		return nil, fmt.Errorf("%w: provider did required", ErrInvalidState)
	}
	vcCID := input.VcCID
	licenseCID := input.LicenseCID
	var err error
	if len(input.Credential) > 0 && m.pinner != nil {
		if vcCID, err = m.pinner.Pin(ctx, input.Credential); err != nil {
			return nil, fmt.Errorf("lifecycle: pin credential: %w", err)
		}
	}
	if len(input.License) > 0 && m.pinner != nil {
		if licenseCID, err = m.pinner.Pin(ctx, input.License); err != nil {
			return nil, fmt.Errorf("lifecycle: pin license: %w", err)
		}
	}
	provider := models.Provider{
		ID:            uuid.New(),
		DID:           did,
		WalletAddress: normalizeAddress(input.WalletAddress),
		Status:        models.ProviderPending,
		VcCID:         vcCID,
		LicenseCID:    licenseCID,
	}
	if err := m.db.WithContext(ctx).Create(&provider).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: persist provider %s: %w", did, err)
	}
	if err := audit.Write(m.db, audit.EntityProvider, provider.ID.String(), "provider_onboarded", nil, provider, audit.ActorLifecycle, 1.0); err != nil {
		m.logger.Warn("audit write failed", "provider", provider.ID, "err", err)
	}
	return &ProviderResult{Status: string(provider.Status), Provider: &provider}, nil
}

// ApproveProvider marks a pending provider approved. Idempotent: approving an
// approved provider returns the record unchanged.
func (m *Manager) ApproveProvider(ctx context.Context, did string) (*ProviderResult, error) {
	return m.transitionProvider(ctx, did, "provider_approved", models.ProviderApproved)
}

// RejectProvider marks a pending provider rejected.
func (m *Manager) RejectProvider(ctx context.Context, did string) (*ProviderResult, error) {
	return m.transitionProvider(ctx, did, "provider_rejected", models.ProviderRejected)
}

func (m *Manager) transitionProvider(ctx context.Context, did string, action string, target models.ProviderStatus) (*ProviderResult, error) {
	var result *ProviderResult
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var provider models.Provider
		if err := lockedFirst(tx, &provider, "did = ?", strings.TrimSpace(did)); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: provider %s", ErrNotFound, did)
			}
			return fmt.Errorf("lifecycle: load provider %s: %w", did, err)
		}
		if provider.Status == target {
			result = &ProviderResult{Status: string(provider.Status), AlreadyApplied: true, Provider: &provider}
			return nil
		}
		if provider.Status != models.ProviderPending {
			return fmt.Errorf("%w: %s requires %s, provider %s is %s", ErrInvalidState, action, models.ProviderPending, did, provider.Status)
		}
		before := provider
		provider.Status = target
		if err := tx.Save(&provider).Error; err != nil {
			return fmt.Errorf("lifecycle: persist provider %s: %w", did, err)
		}
		if err := audit.Write(tx, audit.EntityProvider, provider.ID.String(), action, before, provider, audit.ActorLifecycle, 1.0); err != nil {
			return err
		}
		result = &ProviderResult{Status: string(provider.Status), Provider: &provider}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
