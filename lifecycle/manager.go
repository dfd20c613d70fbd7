package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"claimchain/chain"
	"claimchain/credentials"
	"claimchain/models"
)

// Typed precondition failures, rejected before any chain write is attempted.
var (
	ErrNotFound           = errors.New("lifecycle: record not found")
	ErrInvalidState       = errors.New("lifecycle: invalid state for action")
	ErrPayoutExceedsClaim = errors.New("lifecycle: payout exceeds claim amount")
	ErrPayoutNotPositive  = errors.New("lifecycle: payout must be positive")
	ErrProviderNotActive  = errors.New("lifecycle: provider is not approved")
	ErrRefundRequired     = errors.New("lifecycle: refund transaction hash required")
)

// StatusPendingOnChain marks a non-fatal outcome: the chain write happened
// but its confirming event is not yet visible. The reconciler completes the
// record later.
const StatusPendingOnChain = "PendingOnChain"

// ChainExecutor is the safe transaction submission protocol the manager
// composes.
type ChainExecutor interface {
	Submit(ctx context.Context, method string, value *big.Int, timeout time.Duration, args ...interface{}) (*chain.SubmitResult, error)
	VerifyEvent(ctx context.Context, kind chain.EventKind, filter []interface{}, blockNumber uint64) (chain.Event, error)
}

// CredentialVerifier gates claim submission.
type CredentialVerifier interface {
	Verify(ctx context.Context, req credentials.Request) credentials.Result
}

// Pinner stores supporting documents in the content-addressed store.
type Pinner interface {
	Pin(ctx context.Context, data []byte) (string, error)
}

// Config captures the dependencies required to construct a Manager.
type Config struct {
	DB        *gorm.DB
	Executor  ChainExecutor
	Verifier  CredentialVerifier
	Pinner    Pinner
	TxTimeout time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager orchestrates multi-step claim and policy actions: credential
// verification, the chain write, event verification, and idempotent
// persistence. The chain write always happens before the off-chain status is
// marked confirmed.
type Manager struct {
	db        *gorm.DB
	executor  ChainExecutor
	verifier  CredentialVerifier
	pinner    Pinner
	txTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager builds a configured manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, errors.New("lifecycle: db is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("lifecycle: executor is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("lifecycle: credential verifier is required")
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		db:        cfg.DB,
		executor:  cfg.Executor,
		verifier:  cfg.Verifier,
		pinner:    cfg.Pinner,
		txTimeout: timeout,
		logger:    logger,
		now:       nowFn,
	}, nil
}

// VerificationError carries the structured verification result when a claim
// submission is refused.
type VerificationError struct {
	Result credentials.Result
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("lifecycle: credential verification failed: %s", e.Result.Error)
}

// ClaimResult is the outcome of a claim lifecycle operation.
type ClaimResult struct {
	Status         string        `json:"status"`
	TxHash         string        `json:"txHash,omitempty"`
	AlreadyApplied bool          `json:"alreadyApplied,omitempty"`
	Message        string        `json:"message,omitempty"`
	Claim          *models.Claim `json:"claim,omitempty"`
}

// PolicyResult is the outcome of a policy lifecycle operation.
type PolicyResult struct {
	Status         string         `json:"status"`
	TxHash         string         `json:"txHash,omitempty"`
	AlreadyApplied bool           `json:"alreadyApplied,omitempty"`
	Message        string         `json:"message,omitempty"`
	Policy         *models.Policy `json:"policy,omitempty"`
}

// ProviderResult is the outcome of a provider action.
type ProviderResult struct {
	Status         string           `json:"status"`
	AlreadyApplied bool             `json:"alreadyApplied,omitempty"`
	Provider       *models.Provider `json:"provider,omitempty"`
}

// lockedFirst loads one record under a row lock so two concurrent actions
// cannot both pass the idempotency check. sqlite has no row locks; its
// single-writer transactions serialize instead.
func lockedFirst(tx *gorm.DB, dest interface{}, query string, args ...interface{}) error {
	if tx.Dialector.Name() != "sqlite" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	conds := append([]interface{}{query}, args...)
	return tx.First(dest, conds...).Error
}

func parseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("lifecycle: empty amount")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("lifecycle: malformed amount %q", raw)
	}
	return value, nil
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
