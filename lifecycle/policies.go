package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/audit"
	"claimchain/chain"
	"claimchain/models"
)

// SubmitPolicyInput carries one policy submission. The premium is escrowed by
// the contract until the insurer approves or rejects the policy.
type SubmitPolicyInput struct {
	ProviderDID        string
	BeneficiaryAddress string
	BeneficiaryDID     string
	CoverageWei        string
	PremiumWei         string
	Tier               uint8
	StartTime          int64
	EndTime            int64
}

// SubmitPolicy escrows the premium on the chain and persists the pending
// policy keyed by the identifier the contract assigned.
func (m *Manager) SubmitPolicy(ctx context.Context, input SubmitPolicyInput) (*PolicyResult, error) {
	var provider models.Provider
	did := strings.TrimSpace(input.ProviderDID)
	if err := m.db.WithContext(ctx).First(&provider, "did = ?", did).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: provider %s", ErrNotFound, did)
		}
		return nil, fmt.Errorf("lifecycle: load provider %s: %w", did, err)
	}
	if provider.Status != models.ProviderApproved {
		return nil, fmt.Errorf("%w: provider %s is %s", ErrProviderNotActive, did, provider.Status)
	}
	coverage, err := parseWei(input.CoverageWei)
	if err != nil {
		return nil, err
	}
	premium, err := parseWei(input.PremiumWei)
	if err != nil {
		return nil, err
	}
	if input.EndTime <= input.StartTime {
		return nil, fmt.Errorf("%w: policy validity window is empty", ErrInvalidState)
	}

	beneficiary := common.HexToAddress(input.BeneficiaryAddress)
	policy := models.Policy{
		ID:                 uuid.New(),
		ProviderID:         provider.ID,
		ProviderDID:        provider.DID,
		BeneficiaryAddress: normalizeAddress(input.BeneficiaryAddress),
		BeneficiaryDID:     input.BeneficiaryDID,
		CoverageWei:        coverage.String(),
		PremiumWei:         premium.String(),
		Tier:               tierLabel(input.Tier),
		StartTime:          input.StartTime,
		EndTime:            input.EndTime,
		Source:             models.SourceAPI,
	}

	res, err := m.executor.Submit(ctx, "submitPolicy", premium, m.txTimeout,
		beneficiary, coverage, input.Tier, uint64(input.StartTime), uint64(input.EndTime))
	if err != nil {
		if errors.Is(err, chain.ErrTxTimeout) {
			return m.persistPendingPolicy(ctx, &policy, res.TxHash.Hex(), "confirmation timed out")
		}
		return nil, err
	}
	policy.TxHash = res.TxHash.Hex()
	policy.BlockNumber = res.BlockNumber

	ev, verr := m.executor.VerifyEvent(ctx, chain.KindPolicySubmitted,
		[]interface{}{nil, beneficiary}, res.BlockNumber)
	if verr != nil {
		m.logger.Warn("policy submission event verification failed", "tx", policy.TxHash, "err", verr)
	}
	submitted, ok := ev.(chain.PolicySubmittedEvent)
	if !ok {
		return m.persistPendingPolicy(ctx, &policy, policy.TxHash, "confirming event not yet visible")
	}

	policyID := submitted.PolicyID
	policy.OnchainPolicyID = &policyID
	policy.Status = models.PolicyPending
	if err := m.db.WithContext(ctx).Create(&policy).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: persist policy %d: %w", policyID, err)
	}
	if err := audit.Write(m.db, audit.EntityPolicy, policy.ID.String(), "policy_submitted", nil, policy, audit.ActorLifecycle, 1.0); err != nil {
		m.logger.Warn("audit write failed", "policy", policy.ID, "err", err)
	}
	return &PolicyResult{Status: string(policy.Status), TxHash: policy.TxHash, Policy: &policy}, nil
}

func (m *Manager) persistPendingPolicy(ctx context.Context, policy *models.Policy, txHash, message string) (*PolicyResult, error) {
	policy.Status = models.PolicyPendingOnChain
	policy.TxHash = txHash
	if err := m.db.WithContext(ctx).Create(policy).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: persist pending policy: %w", err)
	}
	return &PolicyResult{
		Status:  StatusPendingOnChain,
		TxHash:  txHash,
		Message: message + "; reconciliation will complete this policy",
		Policy:  policy,
	}, nil
}

// ApprovePolicy releases the premium escrow and activates the policy. A
// duplicate call returns the active record unchanged.
func (m *Manager) ApprovePolicy(ctx context.Context, policyID uint64) (*PolicyResult, error) {
	var result *PolicyResult
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var policy models.Policy
		if err := lockedFirst(tx, &policy, "onchain_policy_id = ?", policyID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: policy %d", ErrNotFound, policyID)
			}
			return fmt.Errorf("lifecycle: load policy %d: %w", policyID, err)
		}
		if policy.Status == models.PolicyActive {
			result = &PolicyResult{Status: string(policy.Status), TxHash: policy.TxHash, AlreadyApplied: true, Policy: &policy}
			return nil
		}
		if policy.Status != models.PolicyPending {
			return fmt.Errorf("%w: approve requires %s, policy %d is %s", ErrInvalidState, models.PolicyPending, policyID, policy.Status)
		}
		before := policy

		res, err := m.executor.Submit(ctx, "approvePolicy", nil, m.txTimeout, new(big.Int).SetUint64(policyID))
		if err != nil {
			if errors.Is(err, chain.ErrTxTimeout) {
				policy.Status = models.PolicyPendingOnChain
				policy.TxHash = res.TxHash.Hex()
				if err := tx.Save(&policy).Error; err != nil {
					return fmt.Errorf("lifecycle: persist pending policy %d: %w", policyID, err)
				}
				result = &PolicyResult{Status: StatusPendingOnChain, TxHash: policy.TxHash,
					Message: "confirmation timed out; reconciliation will complete this policy", Policy: &policy}
				return nil
			}
			return err
		}

		ev, verr := m.executor.VerifyEvent(ctx, chain.KindPolicyIssued, []interface{}{policyID}, res.BlockNumber)
		if verr != nil {
			m.logger.Warn("policy approval event verification failed", "policy", policyID, "err", verr)
		}
		if ev == nil {
			policy.Status = models.PolicyPendingOnChain
			policy.TxHash = res.TxHash.Hex()
			policy.BlockNumber = res.BlockNumber
			if err := tx.Save(&policy).Error; err != nil {
				return fmt.Errorf("lifecycle: persist pending policy %d: %w", policyID, err)
			}
			result = &PolicyResult{Status: StatusPendingOnChain, TxHash: policy.TxHash,
				Message: "confirming event not yet visible; reconciliation will complete this policy", Policy: &policy}
			return nil
		}

		policy.Status = models.PolicyActive
		policy.TxHash = res.TxHash.Hex()
		policy.BlockNumber = res.BlockNumber
		if err := tx.Save(&policy).Error; err != nil {
			return fmt.Errorf("lifecycle: persist policy %d: %w", policyID, err)
		}
		if err := audit.Write(tx, audit.EntityPolicy, policy.ID.String(), "policy_approved", before, policy, audit.ActorLifecycle, 1.0); err != nil {
			return err
		}
		result = &PolicyResult{Status: string(policy.Status), TxHash: policy.TxHash, Policy: &policy}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectPolicy refunds the escrowed premium to the beneficiary and then marks
// the policy rejected. The refund settles first: the record is only marked
// once the refunding transaction confirmed, and its hash is a required input
// to the persistence step.
func (m *Manager) RejectPolicy(ctx context.Context, policyID uint64) (*PolicyResult, error) {
	var result *PolicyResult
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var policy models.Policy
		if err := lockedFirst(tx, &policy, "onchain_policy_id = ?", policyID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: policy %d", ErrNotFound, policyID)
			}
			return fmt.Errorf("lifecycle: load policy %d: %w", policyID, err)
		}
		if policy.Status == models.PolicyRejected {
			result = &PolicyResult{Status: string(policy.Status), TxHash: policy.RefundTxHash, AlreadyApplied: true, Policy: &policy}
			return nil
		}
		if policy.Status != models.PolicyPending {
			return fmt.Errorf("%w: reject requires %s, policy %d is %s", ErrInvalidState, models.PolicyPending, policyID, policy.Status)
		}
		before := policy

		res, err := m.executor.Submit(ctx, "rejectPolicy", nil, m.txTimeout, new(big.Int).SetUint64(policyID))
		if err != nil {
			// The refund did not confirm, so the rejection is not
			// recorded either way.
			return err
		}

		ev, verr := m.executor.VerifyEvent(ctx, chain.KindPolicyRejected, []interface{}{policyID}, res.BlockNumber)
		if verr != nil {
			m.logger.Warn("policy rejection event verification failed", "policy", policyID, "err", verr)
		}
		if ev == nil {
			return fmt.Errorf("lifecycle: refund for policy %d not yet visible, retry rejection", policyID)
		}
		return m.persistRejectedPolicy(tx, &policy, before, res.TxHash.Hex(), res.BlockNumber, &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// persistRejectedPolicy records the rejection. The refund hash is mandatory:
// a rejection must never be recorded ahead of its confirmed refund.
func (m *Manager) persistRejectedPolicy(tx *gorm.DB, policy *models.Policy, before models.Policy, refundTxHash string, blockNumber uint64, result **PolicyResult) error {
	if strings.TrimSpace(refundTxHash) == "" {
		return ErrRefundRequired
	}
	policy.Status = models.PolicyRejected
	policy.RefundTxHash = refundTxHash
	policy.BlockNumber = blockNumber
	if err := tx.Save(policy).Error; err != nil {
		return fmt.Errorf("lifecycle: persist rejected policy: %w", err)
	}
	if err := audit.Write(tx, audit.EntityPolicy, policy.ID.String(), "policy_rejected", before, *policy, audit.ActorLifecycle, 1.0); err != nil {
		return err
	}
	*result = &PolicyResult{Status: string(policy.Status), TxHash: refundTxHash, Policy: policy}
	return nil
}

func tierLabel(tier uint8) string {
	switch tier {
	case 0:
		return "bronze"
	case 1:
		return "silver"
	case 2:
		return "gold"
	default:
		return fmt.Sprintf("tier-%d", tier)
	}
}
