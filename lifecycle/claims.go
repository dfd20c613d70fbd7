package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/audit"
	"claimchain/chain"
	"claimchain/credentials"
	"claimchain/models"
)

// SubmitClaimInput carries one claim submission.
type SubmitClaimInput struct {
	PolicyOnchainID uint64
	PatientAddress  string
	PatientDID      string
	ProviderDID     string
	AmountWei       string
	Document        []byte
	DocCID          string
	PresentedVcCID  string
	PresentedJWT    string
}

// SubmitClaim gates the submission on credential verification, writes the
// claim to the chain, and persists the off-chain record keyed by the
// identifier the confirming event reports.
func (m *Manager) SubmitClaim(ctx context.Context, input SubmitClaimInput) (*ClaimResult, error) {
	verification := m.verifier.Verify(ctx, credentials.Request{
		PolicyOnchainID:    input.PolicyOnchainID,
		PresentedCID:       input.PresentedVcCID,
		PresentedJWT:       input.PresentedJWT,
		ClaimedProviderDID: input.ProviderDID,
	})
	if !verification.Verified {
		return nil, &VerificationError{Result: verification}
	}

	var policy models.Policy
	if err := m.db.WithContext(ctx).First(&policy, "onchain_policy_id = ?", input.PolicyOnchainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: policy %d", ErrNotFound, input.PolicyOnchainID)
		}
		return nil, fmt.Errorf("lifecycle: load policy %d: %w", input.PolicyOnchainID, err)
	}
	if policy.Status != models.PolicyActive {
		return nil, fmt.Errorf("%w: policy %d is %s", ErrInvalidState, input.PolicyOnchainID, policy.Status)
	}
	amount, err := parseWei(input.AmountWei)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: claim amount %s", ErrPayoutNotPositive, input.AmountWei)
	}

	docCID := input.DocCID
	if len(input.Document) > 0 && m.pinner != nil {
		docCID, err = m.pinner.Pin(ctx, input.Document)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: pin claim document: %w", err)
		}
	}

	patient := common.HexToAddress(input.PatientAddress)
	claim := models.Claim{
		ID:              uuid.New(),
		PolicyID:        policy.ID,
		OnchainPolicyID: input.PolicyOnchainID,
		PatientAddress:  normalizeAddress(input.PatientAddress),
		PatientDID:      input.PatientDID,
		ProviderDID:     verification.ProviderDID,
		AmountWei:       amount.String(),
		DocCID:          docCID,
		PresentedVcCID:  input.PresentedVcCID,
		Source:          models.SourceAPI,
	}

	res, err := m.executor.Submit(ctx, "submitClaim", nil, m.txTimeout,
		new(big.Int).SetUint64(input.PolicyOnchainID), patient, amount, docCID)
	if err != nil {
		if errors.Is(err, chain.ErrTxTimeout) {
			return m.persistPendingClaim(ctx, &claim, res.TxHash.Hex(), "confirmation timed out")
		}
		return nil, err
	}
	claim.TxHash = res.TxHash.Hex()
	claim.BlockNumber = res.BlockNumber

	ev, verr := m.executor.VerifyEvent(ctx, chain.KindClaimSubmitted,
		[]interface{}{nil, input.PolicyOnchainID, patient}, res.BlockNumber)
	if verr != nil {
		m.logger.Warn("claim submission event verification failed", "tx", claim.TxHash, "err", verr)
	}
	submitted, ok := ev.(chain.ClaimSubmittedEvent)
	if !ok {
		return m.persistPendingClaim(ctx, &claim, claim.TxHash, "confirming event not yet visible")
	}

	claimID := submitted.ClaimID
	claim.OnchainClaimID = &claimID
	claim.Status = models.ClaimSubmitted
	if err := m.db.WithContext(ctx).Create(&claim).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: persist claim %d: %w", claimID, err)
	}
	if err := audit.Write(m.db, audit.EntityClaim, claim.ID.String(), "claim_submitted", nil, claim, audit.ActorLifecycle, 1.0); err != nil {
		m.logger.Warn("audit write failed", "claim", claim.ID, "err", err)
	}
	return &ClaimResult{Status: string(claim.Status), TxHash: claim.TxHash, Claim: &claim}, nil
}

func (m *Manager) persistPendingClaim(ctx context.Context, claim *models.Claim, txHash, message string) (*ClaimResult, error) {
	claim.Status = models.ClaimPendingOnChain
	claim.TxHash = txHash
	if err := m.db.WithContext(ctx).Create(claim).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: persist pending claim: %w", err)
	}
	return &ClaimResult{
		Status:  StatusPendingOnChain,
		TxHash:  txHash,
		Message: message + "; reconciliation will complete this claim",
		Claim:   claim,
	}, nil
}

// claimTransition describes one workflow step for the shared transition core.
type claimTransition struct {
	action   string
	terminal models.ClaimStatus
	allowed  models.ClaimStatus
	prepare  func(claim *models.Claim) error
	submit   func(ctx context.Context, claim *models.Claim) (*chain.SubmitResult, error)
	verify   func(ctx context.Context, claim *models.Claim, res *chain.SubmitResult) (chain.Event, error)
	mutate   func(claim *models.Claim, res *chain.SubmitResult, ev chain.Event)
}

// transitionClaim is the idempotent check-then-act core shared by review,
// approve+pay and reject. The row stays locked from the idempotency check
// through persistence so concurrent duplicates cannot both submit a chain
// write.
func (m *Manager) transitionClaim(ctx context.Context, claimID uint64, t claimTransition) (*ClaimResult, error) {
	var result *ClaimResult
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var claim models.Claim
		if err := lockedFirst(tx, &claim, "onchain_claim_id = ?", claimID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: claim %d", ErrNotFound, claimID)
			}
			return fmt.Errorf("lifecycle: load claim %d: %w", claimID, err)
		}
		if claim.Status == t.terminal {
			result = &ClaimResult{Status: string(claim.Status), TxHash: claim.TxHash, AlreadyApplied: true, Claim: &claim}
			return nil
		}
		if claim.Status != t.allowed {
			return fmt.Errorf("%w: %s requires %s, claim %d is %s", ErrInvalidState, t.action, t.allowed, claimID, claim.Status)
		}
		if t.prepare != nil {
			if err := t.prepare(&claim); err != nil {
				return err
			}
		}
		before := claim

		res, err := t.submit(ctx, &claim)
		if err != nil {
			if errors.Is(err, chain.ErrTxTimeout) {
				claim.Status = models.ClaimPendingOnChain
				claim.TxHash = res.TxHash.Hex()
				if err := tx.Save(&claim).Error; err != nil {
					return fmt.Errorf("lifecycle: persist pending claim %d: %w", claimID, err)
				}
				result = &ClaimResult{Status: StatusPendingOnChain, TxHash: claim.TxHash,
					Message: "confirmation timed out; reconciliation will complete this claim", Claim: &claim}
				return nil
			}
			return err
		}

		ev, verr := t.verify(ctx, &claim, res)
		if verr != nil {
			m.logger.Warn("event verification failed", "action", t.action, "claim", claimID, "err", verr)
		}
		if ev == nil {
			claim.Status = models.ClaimPendingOnChain
			claim.TxHash = res.TxHash.Hex()
			claim.BlockNumber = res.BlockNumber
			if err := tx.Save(&claim).Error; err != nil {
				return fmt.Errorf("lifecycle: persist pending claim %d: %w", claimID, err)
			}
			result = &ClaimResult{Status: StatusPendingOnChain, TxHash: claim.TxHash,
				Message: "confirming event not yet visible; reconciliation will complete this claim", Claim: &claim}
			return nil
		}

		t.mutate(&claim, res, ev)
		claim.Status = t.terminal
		claim.TxHash = res.TxHash.Hex()
		claim.BlockNumber = res.BlockNumber
		if err := tx.Save(&claim).Error; err != nil {
			return fmt.Errorf("lifecycle: persist claim %d: %w", claimID, err)
		}
		if err := audit.Write(tx, audit.EntityClaim, claim.ID.String(), t.action, before, claim, audit.ActorLifecycle, 1.0); err != nil {
			return err
		}
		result = &ClaimResult{Status: string(claim.Status), TxHash: claim.TxHash, Claim: &claim}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReviewClaim moves a submitted claim into review.
func (m *Manager) ReviewClaim(ctx context.Context, claimID uint64) (*ClaimResult, error) {
	return m.transitionClaim(ctx, claimID, claimTransition{
		action:   "claim_review",
		terminal: models.ClaimUnderReview,
		allowed:  models.ClaimSubmitted,
		submit: func(ctx context.Context, claim *models.Claim) (*chain.SubmitResult, error) {
			return m.executor.Submit(ctx, "reviewClaim", nil, m.txTimeout, new(big.Int).SetUint64(claimID))
		},
		verify: func(ctx context.Context, claim *models.Claim, res *chain.SubmitResult) (chain.Event, error) {
			return m.executor.VerifyEvent(ctx, chain.KindClaimStatusChanged, []interface{}{claimID}, res.BlockNumber)
		},
		mutate: func(claim *models.Claim, res *chain.SubmitResult, ev chain.Event) {},
	})
}

// ApproveAndPayClaim approves a reviewed claim and releases its payout. A
// duplicate call returns the paid record unchanged without a second chain
// payment.
func (m *Manager) ApproveAndPayClaim(ctx context.Context, claimID uint64, payoutWei string) (*ClaimResult, error) {
	payout, err := parseWei(payoutWei)
	if err != nil {
		return nil, err
	}
	return m.transitionClaim(ctx, claimID, claimTransition{
		action:   "claim_approved_paid",
		terminal: models.ClaimPaid,
		allowed:  models.ClaimUnderReview,
		prepare: func(claim *models.Claim) error {
			if payout.Sign() <= 0 {
				return fmt.Errorf("%w: payout %s", ErrPayoutNotPositive, payoutWei)
			}
			amount, err := parseWei(claim.AmountWei)
			if err != nil {
				return fmt.Errorf("lifecycle: stored claim amount: %w", err)
			}
			if payout.Cmp(amount) > 0 {
				return fmt.Errorf("%w: payout %s exceeds amount %s", ErrPayoutExceedsClaim, payout, amount)
			}
			return nil
		},
		submit: func(ctx context.Context, claim *models.Claim) (*chain.SubmitResult, error) {
			return m.executor.Submit(ctx, "approveClaim", nil, m.txTimeout, new(big.Int).SetUint64(claimID), payout)
		},
		verify: func(ctx context.Context, claim *models.Claim, res *chain.SubmitResult) (chain.Event, error) {
			return m.executor.VerifyEvent(ctx, chain.KindClaimPaid, []interface{}{claimID}, res.BlockNumber)
		},
		mutate: func(claim *models.Claim, res *chain.SubmitResult, ev chain.Event) {
			claim.PayoutWei = payout.String()
			claim.PayoutTxHash = res.TxHash.Hex()
			if paid, ok := ev.(chain.ClaimPaidEvent); ok && paid.Amount != nil {
				claim.PayoutWei = paid.Amount.String()
			}
		},
	})
}

// RejectClaim rejects a claim under review.
func (m *Manager) RejectClaim(ctx context.Context, claimID uint64) (*ClaimResult, error) {
	return m.transitionClaim(ctx, claimID, claimTransition{
		action:   "claim_rejected",
		terminal: models.ClaimRejected,
		allowed:  models.ClaimUnderReview,
		submit: func(ctx context.Context, claim *models.Claim) (*chain.SubmitResult, error) {
			return m.executor.Submit(ctx, "rejectClaim", nil, m.txTimeout, new(big.Int).SetUint64(claimID))
		},
		verify: func(ctx context.Context, claim *models.Claim, res *chain.SubmitResult) (chain.Event, error) {
			return m.executor.VerifyEvent(ctx, chain.KindClaimStatusChanged, []interface{}{claimID}, res.BlockNumber)
		},
		mutate: func(claim *models.Claim, res *chain.SubmitResult, ev chain.Event) {},
	})
}
