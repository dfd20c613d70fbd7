package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderStatus tracks insurer approval of a credential issuer.
type ProviderStatus string

const (
	ProviderPending  ProviderStatus = "PENDING"
	ProviderApproved ProviderStatus = "APPROVED"
	ProviderRejected ProviderStatus = "REJECTED"
)

// PolicyStatus represents a state in the policy workflow.
type PolicyStatus string

const (
	PolicyPending        PolicyStatus = "PENDING"
	PolicyActive         PolicyStatus = "ACTIVE"
	PolicyRejected       PolicyStatus = "REJECTED"
	PolicyExpired        PolicyStatus = "EXPIRED"
	PolicyPendingOnChain PolicyStatus = "PENDING_ONCHAIN"
)

// ClaimStatus represents a state in the claim workflow.
type ClaimStatus string

const (
	ClaimSubmitted      ClaimStatus = "SUBMITTED"
	ClaimUnderReview    ClaimStatus = "UNDER_REVIEW"
	ClaimApproved       ClaimStatus = "APPROVED"
	ClaimRejected       ClaimStatus = "REJECTED"
	ClaimPaid           ClaimStatus = "PAID"
	ClaimPendingOnChain ClaimStatus = "PENDING_ONCHAIN"
)

// Record provenance: created through the API call path or reconstructed from
// a chain event.
const (
	SourceAPI     = "api"
	SourceOnChain = "onchain"
)

// Provider is a credential issuer/claimant identity.
type Provider struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DID           string         `gorm:"column:did;uniqueIndex;size:255"`
	WalletAddress string         `gorm:"index;size:64"`
	Status        ProviderStatus `gorm:"size:32;index"`
	VcCID         string         `gorm:"size:128"`
	LicenseCID    string         `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Policy is a coverage grant tied to one provider and one beneficiary. The
// on-chain identifier is assigned by the contract and is the correlation key
// between the two stores; once set it never changes.
type Policy struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey"`
	OnchainPolicyID    *uint64      `gorm:"uniqueIndex"`
	ProviderID         uuid.UUID    `gorm:"type:uuid;index"`
	ProviderDID        string       `gorm:"index;size:255"`
	BeneficiaryAddress string       `gorm:"index;size:64"`
	BeneficiaryDID     string       `gorm:"size:255"`
	CoverageWei        string       `gorm:"size:80"`
	PremiumWei         string       `gorm:"size:80"`
	Tier               string       `gorm:"size:32"`
	StartTime          int64
	EndTime            int64
	Status             PolicyStatus `gorm:"size:32;index"`
	Source             string       `gorm:"size:16"`
	TxHash             string       `gorm:"index;size:80"`
	RefundTxHash       string       `gorm:"size:80"`
	BlockNumber        uint64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Claim is a payment request against a policy.
type Claim struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OnchainClaimID  *uint64     `gorm:"uniqueIndex"`
	PolicyID        uuid.UUID   `gorm:"type:uuid;index"`
	OnchainPolicyID uint64      `gorm:"index"`
	PatientAddress  string      `gorm:"index;size:64"`
	PatientDID      string      `gorm:"size:255"`
	ProviderAddress string      `gorm:"size:64"`
	ProviderDID     string      `gorm:"index;size:255"`
	AmountWei       string      `gorm:"size:80"`
	DocCID          string      `gorm:"size:128"`
	PresentedVcCID  string      `gorm:"size:128"`
	Status          ClaimStatus `gorm:"size:32;index"`
	PayoutWei       string      `gorm:"size:80"`
	PayoutTxHash    string      `gorm:"size:80"`
	Source          string      `gorm:"size:16"`
	TxHash          string      `gorm:"index;size:80"`
	BlockNumber     uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditRecord is the append-only trail written by the reconciler and the
// lifecycle manager. Before/After hold JSON snapshots of the mutated record.
type AuditRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityType string    `gorm:"size:32;index"`
	EntityID   string    `gorm:"size:64;index"`
	Action     string    `gorm:"size:64"`
	Before     string    `gorm:"type:text"`
	After      string    `gorm:"type:text"`
	Confidence float64
	Actor      string    `gorm:"size:32"`
	CreatedAt  time.Time
}

// ReconCheckpoint persists the reconciler cursor. A single row keyed by name
// holds the last fully processed block.
type ReconCheckpoint struct {
	Name      string `gorm:"primaryKey;size:32"`
	LastBlock uint64
	UpdatedAt time.Time
}

// CheckpointName is the key of the singleton reconciliation cursor row.
const CheckpointName = "event-replay"

// DeadLetterEvent records a chain event whose application failed. The cursor
// still advances past it; operators inspect these rows to force a re-run.
type DeadLetterEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind        string    `gorm:"size:32;index"`
	TxHash      string    `gorm:"size:80;index"`
	BlockNumber uint64
	Payload     string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP layer.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Provider{},
		&Policy{},
		&Claim{},
		&AuditRecord{},
		&ReconCheckpoint{},
		&DeadLetterEvent{},
		&IdempotencyKey{},
	)
}
