package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"claimchain/chain"
	"claimchain/models"
)

func newPendingPolicy(t *testing.T, m *Manager, provider models.Provider, onchainID uint64) models.Policy {
	t.Helper()
	policy := models.Policy{
		ID:                 uuid.New(),
		OnchainPolicyID:    &onchainID,
		ProviderID:         provider.ID,
		ProviderDID:        provider.DID,
		BeneficiaryAddress: "0x00000000000000000000000000000000000000aa",
		CoverageWei:        "10000",
		PremiumWei:         "500",
		Status:             models.PolicyPending,
		Source:             models.SourceAPI,
		TxHash:             "0xsubmit",
	}
	if err := m.db.Create(&policy).Error; err != nil {
		t.Fatalf("seed pending policy: %v", err)
	}
	return policy
}

func TestSubmitPolicyRequiresApprovedProvider(t *testing.T) {
	db := setupDB(t)
	provider := models.Provider{
		ID:     uuid.New(),
		DID:    "did:example:pending",
		Status: models.ProviderPending,
	}
	if err := db.Create(&provider).Error; err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	exec := &stubExecutor{}
	m := newTestManager(t, db, exec, nil)

	_, err := m.SubmitPolicy(context.Background(), SubmitPolicyInput{
		ProviderDID:        provider.DID,
		BeneficiaryAddress: "0x00000000000000000000000000000000000000aa",
		CoverageWei:        "10000",
		PremiumWei:         "500",
		StartTime:          1_700_000_000,
		EndTime:            1_800_000_000,
	})
	if !errors.Is(err, ErrProviderNotActive) {
		t.Fatalf("expected ErrProviderNotActive, got %v", err)
	}
	if len(exec.submits) != 0 {
		t.Fatalf("precondition failure must precede the chain write, got %d submits", len(exec.submits))
	}
}

func TestSubmitPolicyEscrowsPremiumAndKeysByEvent(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{
		verifyFn: func(kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error) {
			return chain.PolicySubmittedEvent{
				EventMeta: chain.EventMeta{TxHash: common.HexToHash("0x51"), BlockNumber: blockNumber},
				PolicyID:  7,
				Premium:   big.NewInt(500),
			}, nil
		},
	}
	m := newTestManager(t, db, exec, nil)

	result, err := m.SubmitPolicy(context.Background(), SubmitPolicyInput{
		ProviderDID:        provider.DID,
		BeneficiaryAddress: "0x00000000000000000000000000000000000000aa",
		CoverageWei:        "10000",
		PremiumWei:         "500",
		Tier:               1,
		StartTime:          1_700_000_000,
		EndTime:            1_800_000_000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != string(models.PolicyPending) {
		t.Fatalf("expected PENDING, got %s", result.Status)
	}
	if len(exec.submits) != 1 || exec.submits[0].method != "submitPolicy" {
		t.Fatalf("expected one submitPolicy call, got %+v", exec.submits)
	}
	if exec.submits[0].value == nil || exec.submits[0].value.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("premium must ride as transaction value, got %v", exec.submits[0].value)
	}
	var policy models.Policy
	if err := db.First(&policy, "onchain_policy_id = ?", 7).Error; err != nil {
		t.Fatalf("policy must be keyed by the event identifier: %v", err)
	}
	if policy.Tier != "silver" {
		t.Fatalf("expected silver, got %s", policy.Tier)
	}
}

func TestSubmitPolicyRejectsEmptyValidityWindow(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{}
	m := newTestManager(t, db, exec, nil)

	_, err := m.SubmitPolicy(context.Background(), SubmitPolicyInput{
		ProviderDID:        provider.DID,
		BeneficiaryAddress: "0x00000000000000000000000000000000000000aa",
		CoverageWei:        "10000",
		PremiumWei:         "500",
		StartTime:          1_800_000_000,
		EndTime:            1_700_000_000,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(exec.submits) != 0 {
		t.Fatal("invalid window must not reach the chain")
	}
}

func TestApprovePolicyIsIdempotent(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	seedActivePolicy(t, db, provider, 7)
	exec := &stubExecutor{}
	m := newTestManager(t, db, exec, nil)

	result, err := m.ApprovePolicy(context.Background(), 7)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !result.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied, got %+v", result)
	}
	if len(exec.submits) != 0 {
		t.Fatalf("duplicate approval must not submit again, got %d", len(exec.submits))
	}
}

func TestApprovePolicyActivatesOnIssuedEvent(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{
		verifyFn: func(kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error) {
			return chain.PolicyIssuedEvent{
				EventMeta: chain.EventMeta{TxHash: common.HexToHash("0x51"), BlockNumber: blockNumber},
				PolicyID:  7,
				Coverage:  big.NewInt(10_000),
			}, nil
		},
	}
	m := newTestManager(t, db, exec, nil)
	newPendingPolicy(t, m, provider, 7)

	result, err := m.ApprovePolicy(context.Background(), 7)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if result.Status != string(models.PolicyActive) {
		t.Fatalf("expected ACTIVE, got %s", result.Status)
	}
}

func TestApprovePolicyEventNotVisibleLeavesPending(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{} // VerifyEvent returns nil, nil
	m := newTestManager(t, db, exec, nil)
	policy := newPendingPolicy(t, m, provider, 7)

	result, err := m.ApprovePolicy(context.Background(), 7)
	if err != nil {
		t.Fatalf("missing event is not fatal: %v", err)
	}
	if result.Status != StatusPendingOnChain {
		t.Fatalf("expected %s, got %s", StatusPendingOnChain, result.Status)
	}
	var reloaded models.Policy
	if err := db.First(&reloaded, "id = ?", policy.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.PolicyPendingOnChain {
		t.Fatalf("expected PENDING_ONCHAIN, got %s", reloaded.Status)
	}
}

func TestRejectPolicyRequiresVisibleRefund(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{} // no PolicyRejected event visible
	m := newTestManager(t, db, exec, nil)
	policy := newPendingPolicy(t, m, provider, 7)

	_, err := m.RejectPolicy(context.Background(), 7)
	if err == nil {
		t.Fatal("rejection must not be recorded before the refund is visible")
	}
	var reloaded models.Policy
	if err := db.First(&reloaded, "id = ?", policy.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.PolicyPending {
		t.Fatalf("status must be unchanged, got %s", reloaded.Status)
	}
	if reloaded.RefundTxHash != "" {
		t.Fatalf("no refund hash may be recorded, got %s", reloaded.RefundTxHash)
	}
}

func TestRejectPolicyRecordsRefundHash(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	refundTx := common.HexToHash("0x51")
	exec := &stubExecutor{
		verifyFn: func(kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error) {
			return chain.PolicyRejectedEvent{
				EventMeta: chain.EventMeta{TxHash: refundTx, BlockNumber: blockNumber},
				PolicyID:  7,
				Refund:    big.NewInt(500),
			}, nil
		},
	}
	m := newTestManager(t, db, exec, nil)
	policy := newPendingPolicy(t, m, provider, 7)

	result, err := m.RejectPolicy(context.Background(), 7)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.Status != string(models.PolicyRejected) {
		t.Fatalf("expected REJECTED, got %s", result.Status)
	}
	var reloaded models.Policy
	if err := db.First(&reloaded, "id = ?", policy.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RefundTxHash != refundTx.Hex() {
		t.Fatalf("refund hash must be recorded, got %q", reloaded.RefundTxHash)
	}
	if len(exec.submits) != 1 || exec.submits[0].method != "rejectPolicy" {
		t.Fatalf("expected one rejectPolicy call, got %+v", exec.submits)
	}
}

func TestRejectPolicySubmitFailureRecordsNothing(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{
		submitFn: func(method string, value *big.Int, args ...interface{}) (*chain.SubmitResult, error) {
			return nil, errors.New("nonce too low")
		},
	}
	m := newTestManager(t, db, exec, nil)
	policy := newPendingPolicy(t, m, provider, 7)

	_, err := m.RejectPolicy(context.Background(), 7)
	if err == nil {
		t.Fatal("expected submit failure to propagate")
	}
	var reloaded models.Policy
	if err := db.First(&reloaded, "id = ?", policy.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.PolicyPending || reloaded.RefundTxHash != "" {
		t.Fatalf("failed refund must leave the record untouched: %+v", reloaded)
	}
}

func TestRejectPolicyIsIdempotent(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	exec := &stubExecutor{}
	m := newTestManager(t, db, exec, nil)
	policy := newPendingPolicy(t, m, provider, 7)
	policy.Status = models.PolicyRejected
	policy.RefundTxHash = "0xrefund"
	if err := db.Save(&policy).Error; err != nil {
		t.Fatalf("seed rejected policy: %v", err)
	}

	result, err := m.RejectPolicy(context.Background(), 7)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !result.AlreadyApplied || result.TxHash != "0xrefund" {
		t.Fatalf("expected idempotent replay with the original refund hash, got %+v", result)
	}
	if len(exec.submits) != 0 {
		t.Fatalf("duplicate rejection must not refund twice, got %d", len(exec.submits))
	}
}
