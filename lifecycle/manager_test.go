package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/chain"
	"claimchain/credentials"
	"claimchain/models"
)

type submitCall struct {
	method string
	value  *big.Int
	args   []interface{}
}

// stubExecutor records every chain write so tests can assert exactly how many
// transactions an operation produced.
type stubExecutor struct {
	submits  []submitCall
	submitFn func(method string, value *big.Int, args ...interface{}) (*chain.SubmitResult, error)
	verifyFn func(kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error)
}

func (s *stubExecutor) Submit(ctx context.Context, method string, value *big.Int, timeout time.Duration, args ...interface{}) (*chain.SubmitResult, error) {
	s.submits = append(s.submits, submitCall{method: method, value: value, args: args})
	if s.submitFn != nil {
		return s.submitFn(method, value, args...)
	}
	return &chain.SubmitResult{TxHash: common.HexToHash("0x51"), BlockNumber: 90}, nil
}

func (s *stubExecutor) VerifyEvent(ctx context.Context, kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error) {
	if s.verifyFn != nil {
		return s.verifyFn(kind, filter, blockNumber)
	}
	return nil, nil
}

type stubVerifier struct {
	result credentials.Result
}

func (s *stubVerifier) Verify(ctx context.Context, req credentials.Request) credentials.Result {
	return s.result
}

type stubPinner struct {
	cid string
}

func (s *stubPinner) Pin(ctx context.Context, data []byte) (string, error) {
	if s.cid == "" {
		return "QmStub", nil
	}
	return s.cid, nil
}

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

func newTestManager(t *testing.T, db *gorm.DB, exec *stubExecutor, verifier CredentialVerifier) *Manager {
	t.Helper()
	if verifier == nil {
		verifier = &stubVerifier{result: credentials.Result{Verified: true, CIDMatches: true}}
	}
	m, err := NewManager(Config{
		DB:       db,
		Executor: exec,
		Verifier: verifier,
		Pinner:   &stubPinner{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func seedApprovedProvider(t *testing.T, db *gorm.DB) models.Provider {
	t.Helper()
	provider := models.Provider{
		ID:            uuid.New(),
		DID:           "did:example:provider-" + uuid.NewString(),
		WalletAddress: "0x00000000000000000000000000000000000000bb",
		Status:        models.ProviderApproved,
		VcCID:         "Qm123",
	}
	if err := db.Create(&provider).Error; err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return provider
}

func seedActivePolicy(t *testing.T, db *gorm.DB, provider models.Provider, onchainID uint64) models.Policy {
	t.Helper()
	policy := models.Policy{
		ID:                 uuid.New(),
		OnchainPolicyID:    &onchainID,
		ProviderID:         provider.ID,
		ProviderDID:        provider.DID,
		BeneficiaryAddress: "0x00000000000000000000000000000000000000aa",
		CoverageWei:        "10000",
		PremiumWei:         "500",
		Status:             models.PolicyActive,
		Source:             models.SourceAPI,
	}
	if err := db.Create(&policy).Error; err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	return policy
}

func seedClaim(t *testing.T, db *gorm.DB, policy models.Policy, onchainID uint64, status models.ClaimStatus) models.Claim {
	t.Helper()
	claim := models.Claim{
		ID:              uuid.New(),
		OnchainClaimID:  &onchainID,
		PolicyID:        policy.ID,
		OnchainPolicyID: 7,
		PatientAddress:  policy.BeneficiaryAddress,
		AmountWei:       "500",
		Status:          status,
		Source:          models.SourceAPI,
		TxHash:          "0xseed",
	}
	if err := db.Create(&claim).Error; err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	return claim
}

func timeoutSubmit(h common.Hash) func(string, *big.Int, ...interface{}) (*chain.SubmitResult, error) {
	return func(method string, value *big.Int, args ...interface{}) (*chain.SubmitResult, error) {
		return &chain.SubmitResult{TxHash: h}, fmt.Errorf("%w: %s", chain.ErrTxTimeout, h.Hex())
	}
}
