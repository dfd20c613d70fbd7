package credentials

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/models"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedPolicyAndProvider(t *testing.T, db *gorm.DB, vcCID string, status models.ProviderStatus) (uint64, string) {
	t.Helper()
	did := "did:example:provider-" + uuid.NewString()
	provider := models.Provider{
		ID:     uuid.New(),
		DID:    did,
		Status: status,
		VcCID:  vcCID,
	}
	if err := db.Create(&provider).Error; err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	onchainID := uint64(7)
	policy := models.Policy{
		ID:              uuid.New(),
		OnchainPolicyID: &onchainID,
		ProviderID:      provider.ID,
		ProviderDID:     did,
		Status:          models.PolicyActive,
		CoverageWei:     "1000",
		PremiumWei:      "100",
		Source:          models.SourceAPI,
	}
	if err := db.Create(&policy).Error; err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	return onchainID, did
}

var testSecret = []byte("claimchain-test-secret")

func newTestVerifier(t *testing.T, db *gorm.DB) *Verifier {
	t.Helper()
	jwts, err := NewHSVerifier(testSecret)
	if err != nil {
		t.Fatalf("hs verifier: %v", err)
	}
	v, err := NewVerifier(db, jwts, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return v
}

func signedCredential(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"vc": map[string]interface{}{
			"credentialSubject": map[string]interface{}{"id": subject},
		},
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyCIDMatchShortCircuits(t *testing.T) {
	db := setupDB(t)
	policyID, _ := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{PolicyOnchainID: policyID, PresentedCID: "Qm123"})
	if !result.Verified || !result.CIDMatches {
		t.Fatalf("expected CID match to verify, got %+v", result)
	}
	// No token was presented, so the crypto path must not have run.
	for _, step := range result.Tried {
		if step == "jwt_verify" {
			t.Fatal("jwt verification must not run without a token")
		}
	}
}

func TestVerifyCIDMismatchIsDecisive(t *testing.T) {
	db := setupDB(t)
	policyID, did := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	// A valid token accompanies a wrong CID; the mismatch still decides.
	result := v.Verify(context.Background(), Request{
		PolicyOnchainID: policyID,
		PresentedCID:    "QmXXX",
		PresentedJWT:    signedCredential(t, did),
	})
	if result.Verified {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Error != FailureCIDMismatch {
		t.Fatalf("expected %s, got %s", FailureCIDMismatch, result.Error)
	}
	if result.StoredCID != "Qm123" || result.PresentedCID != "QmXXX" {
		t.Fatalf("mismatch must report both CIDs, got %+v", result)
	}
}

func TestVerifyJWTPathBindsSubject(t *testing.T) {
	db := setupDB(t)
	policyID, did := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{
		PolicyOnchainID: policyID,
		PresentedJWT:    signedCredential(t, did),
	})
	if !result.Verified || !result.JWTMatches || !result.CryptoVerified {
		t.Fatalf("expected JWT path to verify, got %+v", result)
	}
}

func TestVerifyJWTSubjectMismatch(t *testing.T) {
	db := setupDB(t)
	policyID, _ := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{
		PolicyOnchainID: policyID,
		PresentedJWT:    signedCredential(t, "did:example:someone-else"),
	})
	if result.Verified {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Error != FailureJWTSubjectMismatch {
		t.Fatalf("expected %s, got %s", FailureJWTSubjectMismatch, result.Error)
	}
	// Signature was fine; only the binding failed.
	if !result.CryptoVerified {
		t.Fatalf("expected crypto verification to succeed before binding check, got %+v", result)
	}
}

func TestVerifyJWTInvalidSignature(t *testing.T) {
	db := setupDB(t)
	policyID, did := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": did})
	forged, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	result := v.Verify(context.Background(), Request{PolicyOnchainID: policyID, PresentedJWT: forged})
	if result.Error != FailureJWTInvalid {
		t.Fatalf("expected %s, got %+v", FailureJWTInvalid, result)
	}
}

func TestVerifyPolicyNotFound(t *testing.T) {
	db := setupDB(t)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{PolicyOnchainID: 99, PresentedCID: "Qm123"})
	if result.Error != FailurePolicyNotFound {
		t.Fatalf("expected %s, got %+v", FailurePolicyNotFound, result)
	}
}

func TestVerifyProviderNotFound(t *testing.T) {
	db := setupDB(t)
	policyID, _ := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{
		PolicyOnchainID:    policyID,
		PresentedCID:       "Qm123",
		ClaimedProviderDID: "did:example:missing",
	})
	if result.Error != FailureProviderNotFound {
		t.Fatalf("expected %s, got %+v", FailureProviderNotFound, result)
	}
}

func TestVerifyProviderNotApproved(t *testing.T) {
	db := setupDB(t)
	policyID, _ := seedPolicyAndProvider(t, db, "Qm123", models.ProviderPending)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{PolicyOnchainID: policyID, PresentedCID: "Qm123"})
	if result.Error != FailureProviderNotApproved {
		t.Fatalf("expected %s, got %+v", FailureProviderNotApproved, result)
	}
}

func TestVerifyNoMethodPresented(t *testing.T) {
	db := setupDB(t)
	policyID, _ := seedPolicyAndProvider(t, db, "Qm123", models.ProviderApproved)
	v := newTestVerifier(t, db)

	result := v.Verify(context.Background(), Request{PolicyOnchainID: policyID})
	if result.Error != FailureNoVerificationMethod {
		t.Fatalf("expected %s, got %+v", FailureNoVerificationMethod, result)
	}
}
