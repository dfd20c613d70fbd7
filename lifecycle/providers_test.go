package lifecycle

import (
	"context"
	"errors"
	"testing"

	"claimchain/models"
)

func TestOnboardProviderPinsDocuments(t *testing.T) {
	db := setupDB(t)
	m := newTestManager(t, db, &stubExecutor{}, nil)

	result, err := m.OnboardProvider(context.Background(), OnboardProviderInput{
		DID:           "did:example:new",
		WalletAddress: "0x00000000000000000000000000000000000000BB",
		Credential:    []byte(`{"vc":true}`),
		License:       []byte("license"),
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if result.Status != string(models.ProviderPending) {
		t.Fatalf("expected PENDING, got %s", result.Status)
	}
	var provider models.Provider
	if err := db.First(&provider, "did = ?", "did:example:new").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if provider.VcCID != "QmStub" || provider.LicenseCID != "QmStub" {
		t.Fatalf("documents must be pinned, got %+v", provider)
	}
	if provider.WalletAddress != "0x00000000000000000000000000000000000000bb" {
		t.Fatalf("wallet address must be normalised, got %s", provider.WalletAddress)
	}
}

func TestApproveProviderIsIdempotent(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	m := newTestManager(t, db, &stubExecutor{}, nil)

	result, err := m.ApproveProvider(context.Background(), provider.DID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !result.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied, got %+v", result)
	}
}

func TestRejectProviderRequiresPendingState(t *testing.T) {
	db := setupDB(t)
	provider := seedApprovedProvider(t, db)
	m := newTestManager(t, db, &stubExecutor{}, nil)

	_, err := m.RejectProvider(context.Background(), provider.DID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProviderTransitionNotFound(t *testing.T) {
	db := setupDB(t)
	m := newTestManager(t, db, &stubExecutor{}, nil)

	_, err := m.ApproveProvider(context.Background(), "did:example:missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
