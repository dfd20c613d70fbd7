package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"claimchain/audit"
	"claimchain/chain"
	"claimchain/models"
	"claimchain/observability/metrics"
)

// DefaultLookback bounds how far behind the head a fresh cursor starts.
const DefaultLookback = 5000

// DefaultMaxRange caps how many blocks a single tick replays.
const DefaultMaxRange = 2000

// ChainSource exposes the chain reads the reconciler depends on.
type ChainSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, kind chain.EventKind, fromBlock, toBlock uint64) ([]chain.Event, error)
	PolicyState(ctx context.Context, policyID uint64) (*chain.PolicyState, error)
	ClaimState(ctx context.Context, claimID uint64) (*chain.ClaimState, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB       *gorm.DB
	Chain    ChainSource
	Lookback uint64
	MaxRange uint64
	Logger   *slog.Logger
	Now      func() time.Time
}

// Reconciler replays contract events into the off-chain store. It repairs
// records the direct call path failed to create and resolves rows left in
// PENDING_ONCHAIN. One tick runs at a time; overlapping ticks are skipped.
type Reconciler struct {
	db       *gorm.DB
	chain    ChainSource
	lookback uint64
	maxRange uint64
	logger   *slog.Logger
	now      func() time.Time
	metrics  *metrics.ReconMetrics

	mu        sync.Mutex
	statusMu  sync.RWMutex
	cursor    uint64
	hasCursor bool
	lastTick  time.Time
	lastError string
}

// Health is the read-only reconciler status exposed to operators.
type Health struct {
	Cursor    uint64    `json:"cursor"`
	LastTick  time.Time `json:"lastTick"`
	LastError string    `json:"lastError,omitempty"`
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("recon: chain source is required")
	}
	lookback := cfg.Lookback
	if lookback == 0 {
		lookback = DefaultLookback
	}
	maxRange := cfg.MaxRange
	if maxRange == 0 {
		maxRange = DefaultMaxRange
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:       cfg.DB,
		chain:    cfg.Chain,
		lookback: lookback,
		maxRange: maxRange,
		logger:   logger,
		now:      nowFn,
		metrics:  metrics.Recon(),
	}, nil
}

// Health reports the current cursor and last tick outcome.
func (r *Reconciler) Health() Health {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return Health{Cursor: r.cursor, LastTick: r.lastTick, LastError: r.lastError}
}

// Tick runs one poll cycle: fetch the head, replay every event kind over the
// new block range, then advance the cursor. A tick already in progress causes
// this one to be skipped rather than queued.
func (r *Reconciler) Tick(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.metrics.TickOverlapped()
		r.logger.Warn("reconciliation tick still in progress, skipping")
		return nil
	}
	defer r.mu.Unlock()
	start := r.now()
	err := r.tick(ctx)
	r.metrics.TickObserved(r.now().Sub(start).Seconds())
	r.statusMu.Lock()
	r.lastTick = r.now()
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.statusMu.Unlock()
	return err
}

func (r *Reconciler) tick(ctx context.Context) error {
	head, err := r.chain.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("recon: fetch head: %w", err)
	}
	cursor, ok, err := r.loadCursor(ctx)
	if err != nil {
		return err
	}
	if !ok {
		cursor = 0
		if head > r.lookback {
			cursor = head - r.lookback
		}
		if err := r.storeCursor(ctx, cursor); err != nil {
			return err
		}
	}
	fromBlock := cursor + 1
	toBlock := head
	if fromBlock > toBlock {
		return nil
	}
	if toBlock-fromBlock+1 > r.maxRange {
		toBlock = fromBlock + r.maxRange - 1
	}

	// The cursor only advances once every kind was queried. Individual
	// event application failures are dead-lettered and do not block it.
	var queryErr error
	for _, kind := range chain.EventKinds {
		events, err := r.chain.QueryEvents(ctx, kind, fromBlock, toBlock)
		if err != nil {
			r.logger.Error("event query failed", "kind", string(kind), "from", fromBlock, "to", toBlock, "err", err)
			queryErr = err
			continue
		}
		for _, ev := range events {
			if err := r.apply(ctx, ev); err != nil {
				r.logger.Error("event application failed", "kind", string(ev.Kind()), "tx", ev.Meta().TxHash.Hex(), "err", err)
				r.deadLetter(ctx, ev, err)
			}
		}
	}
	if queryErr != nil {
		return fmt.Errorf("recon: incomplete tick %d..%d: %w", fromBlock, toBlock, queryErr)
	}
	if err := r.storeCursor(ctx, toBlock); err != nil {
		return err
	}
	r.metrics.CursorAdvanced(toBlock)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev chain.Event) error {
	switch e := ev.(type) {
	case chain.PolicyIssuedEvent:
		return r.applyPolicyIssued(ctx, e)
	case chain.ClaimSubmittedEvent:
		return r.applyClaimSubmitted(ctx, e)
	case chain.ClaimStatusChangedEvent:
		return r.applyClaimStatusChanged(ctx, e)
	case chain.ClaimPaidEvent:
		return r.applyClaimPaid(ctx, e)
	default:
		return fmt.Errorf("recon: unhandled event kind %s", ev.Kind())
	}
}

func (r *Reconciler) applyPolicyIssued(ctx context.Context, ev chain.PolicyIssuedEvent) error {
	txHash := ev.TxHash.Hex()
	var policy models.Policy
	err := r.db.WithContext(ctx).First(&policy, "onchain_policy_id = ?", ev.PolicyID).Error
	if err == nil {
		if policy.TxHash == txHash && policy.Status != models.PolicyPendingOnChain {
			r.metrics.EventSkipped(string(ev.Kind()))
			return nil
		}
		before := policy
		policy.Status = models.PolicyActive
		policy.TxHash = txHash
		policy.BlockNumber = ev.BlockNumber
		if err := r.db.WithContext(ctx).Save(&policy).Error; err != nil {
			return fmt.Errorf("recon: update policy %d: %w", ev.PolicyID, err)
		}
		r.metrics.EventApplied(string(ev.Kind()))
		return audit.Write(r.db, audit.EntityPolicy, policy.ID.String(), "policy_issued", before, policy, audit.ActorReconciler, 1.0)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("recon: lookup policy %d: %w", ev.PolicyID, err)
	}
	// Direct-path creation may have stored the submission hash before the
	// chain assigned the identifier.
	if resolved, rerr := r.resolvePendingPolicy(ctx, ev, txHash); rerr != nil || resolved {
		return rerr
	}
	return r.synthesizePolicy(ctx, ev, txHash)
}

func (r *Reconciler) resolvePendingPolicy(ctx context.Context, ev chain.PolicyIssuedEvent, txHash string) (bool, error) {
	var policy models.Policy
	err := r.db.WithContext(ctx).First(&policy, "tx_hash = ? AND status = ?", txHash, models.PolicyPendingOnChain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recon: lookup pending policy by tx %s: %w", txHash, err)
	}
	before := policy
	id := ev.PolicyID
	policy.OnchainPolicyID = &id
	policy.Status = models.PolicyActive
	policy.BlockNumber = ev.BlockNumber
	if err := r.db.WithContext(ctx).Save(&policy).Error; err != nil {
		return false, fmt.Errorf("recon: resolve pending policy %d: %w", ev.PolicyID, err)
	}
	r.metrics.EventApplied(string(ev.Kind()))
	return true, audit.Write(r.db, audit.EntityPolicy, policy.ID.String(), "policy_pending_resolved", before, policy, audit.ActorReconciler, 1.0)
}

func (r *Reconciler) synthesizePolicy(ctx context.Context, ev chain.PolicyIssuedEvent, txHash string) error {
	state, err := r.chain.PolicyState(ctx, ev.PolicyID)
	if err != nil {
		return fmt.Errorf("recon: read policy %d: %w", ev.PolicyID, err)
	}
	if !state.Exists() {
		r.logger.Warn("policy event without contract state, abandoning", "policy", ev.PolicyID, "tx", txHash)
		return nil
	}
	id := ev.PolicyID
	status := models.PolicyActive
	if !state.Active {
		status = models.PolicyPending
	}
	policy := models.Policy{
		ID:                 uuid.New(),
		OnchainPolicyID:    &id,
		BeneficiaryAddress: addressHex(state.Beneficiary.Hex()),
		CoverageWei:        state.Coverage.String(),
		PremiumWei:         state.Premium.String(),
		Tier:               tierName(state.Tier),
		StartTime:          int64(state.Start),
		EndTime:            int64(state.End),
		Status:             status,
		Source:             models.SourceOnChain,
		TxHash:             txHash,
		BlockNumber:        ev.BlockNumber,
	}
	if err := r.db.WithContext(ctx).Create(&policy).Error; err != nil {
		return fmt.Errorf("recon: create policy %d: %w", ev.PolicyID, err)
	}
	r.metrics.OrphanSynthesized(string(ev.Kind()))
	r.metrics.EventApplied(string(ev.Kind()))
	return audit.Write(r.db, audit.EntityPolicy, policy.ID.String(), "policy_synthesized", nil, policy, audit.ActorReconciler, 1.0)
}

func (r *Reconciler) applyClaimSubmitted(ctx context.Context, ev chain.ClaimSubmittedEvent) error {
	return r.applyClaimEvent(ctx, ev, ev.ClaimID, func(claim *models.Claim) {
		claim.Status = models.ClaimSubmitted
	})
}

func (r *Reconciler) applyClaimStatusChanged(ctx context.Context, ev chain.ClaimStatusChangedEvent) error {
	return r.applyClaimEvent(ctx, ev, ev.ClaimID, func(claim *models.Claim) {
		claim.Status = claimStatusFromChain(ev.Status)
	})
}

func (r *Reconciler) applyClaimPaid(ctx context.Context, ev chain.ClaimPaidEvent) error {
	txHash := ev.TxHash.Hex()
	return r.applyClaimEvent(ctx, ev, ev.ClaimID, func(claim *models.Claim) {
		claim.Status = models.ClaimPaid
		claim.PayoutWei = ev.Amount.String()
		claim.PayoutTxHash = txHash
	})
}

// applyClaimEvent is the shared replay path for the three claim event kinds:
// idempotency guard on the confirming tx hash, pending-row resolution by
// submission hash, otherwise synthesis from a direct contract read.
func (r *Reconciler) applyClaimEvent(ctx context.Context, ev chain.Event, claimID uint64, mutate func(*models.Claim)) error {
	txHash := ev.Meta().TxHash.Hex()
	var claim models.Claim
	err := r.db.WithContext(ctx).First(&claim, "onchain_claim_id = ?", claimID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.db.WithContext(ctx).First(&claim, "tx_hash = ? AND status = ?", txHash, models.ClaimPendingOnChain).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.synthesizeClaim(ctx, ev, claimID)
		}
	}
	if err != nil {
		return fmt.Errorf("recon: lookup claim %d: %w", claimID, err)
	}
	if claim.TxHash == txHash && claim.OnchainClaimID != nil && claim.Status != models.ClaimPendingOnChain {
		r.metrics.EventSkipped(string(ev.Kind()))
		return nil
	}
	before := claim
	if claim.OnchainClaimID == nil {
		id := claimID
		claim.OnchainClaimID = &id
	}
	mutate(&claim)
	claim.TxHash = txHash
	claim.BlockNumber = ev.Meta().BlockNumber
	if err := r.db.WithContext(ctx).Save(&claim).Error; err != nil {
		return fmt.Errorf("recon: update claim %d: %w", claimID, err)
	}
	r.metrics.EventApplied(string(ev.Kind()))
	return audit.Write(r.db, audit.EntityClaim, claim.ID.String(), auditAction(ev.Kind()), before, claim, audit.ActorReconciler, 1.0)
}

// synthesizeClaim reconstructs a claim that was never created via the direct
// submission path. The contract read is authoritative: a zero record means
// the event referenced an identifier that does not exist, and the claim must
// attach to a policy whose beneficiary matches the patient or it cannot be
// attributed.
func (r *Reconciler) synthesizeClaim(ctx context.Context, ev chain.Event, claimID uint64) error {
	state, err := r.chain.ClaimState(ctx, claimID)
	if err != nil {
		return fmt.Errorf("recon: read claim %d: %w", claimID, err)
	}
	txHash := ev.Meta().TxHash.Hex()
	if !state.Exists() {
		r.logger.Warn("claim event without contract state, abandoning", "claim", claimID, "tx", txHash)
		return nil
	}
	patient := addressHex(state.Patient.Hex())
	var policy models.Policy
	err = r.db.WithContext(ctx).First(&policy, "beneficiary_address = ?", patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.logger.Warn("orphan claim cannot be attributed to a policy, abandoning", "claim", claimID, "patient", patient)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recon: resolve policy for claim %d: %w", claimID, err)
	}
	id := claimID
	claim := models.Claim{
		ID:              uuid.New(),
		OnchainClaimID:  &id,
		PolicyID:        policy.ID,
		OnchainPolicyID: state.PolicyID.Uint64(),
		PatientAddress:  patient,
		ProviderAddress: addressHex(state.Provider.Hex()),
		AmountWei:       state.Amount.String(),
		DocCID:          state.DocCID,
		Status:          claimStatusFromChain(state.Status),
		Source:          models.SourceOnChain,
		TxHash:          txHash,
		BlockNumber:     ev.Meta().BlockNumber,
	}
	if state.Payout != nil && state.Payout.Sign() > 0 {
		claim.PayoutWei = state.Payout.String()
	}
	if err := r.db.WithContext(ctx).Create(&claim).Error; err != nil {
		return fmt.Errorf("recon: create claim %d: %w", claimID, err)
	}
	r.metrics.OrphanSynthesized(string(ev.Kind()))
	r.metrics.EventApplied(string(ev.Kind()))
	return audit.Write(r.db, audit.EntityClaim, claim.ID.String(), "claim_synthesized", nil, claim, audit.ActorReconciler, 1.0)
}

func (r *Reconciler) deadLetter(ctx context.Context, ev chain.Event, cause error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", ev))
	}
	record := models.DeadLetterEvent{
		ID:          uuid.New(),
		Kind:        string(ev.Kind()),
		TxHash:      ev.Meta().TxHash.Hex(),
		BlockNumber: ev.Meta().BlockNumber,
		Payload:     string(payload),
		Error:       cause.Error(),
		CreatedAt:   r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logger.Error("dead-letter persistence failed", "kind", record.Kind, "tx", record.TxHash, "err", err)
		return
	}
	r.metrics.DeadLettered(record.Kind)
}

func (r *Reconciler) loadCursor(ctx context.Context) (uint64, bool, error) {
	var checkpoint models.ReconCheckpoint
	err := r.db.WithContext(ctx).First(&checkpoint, "name = ?", models.CheckpointName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("recon: load cursor: %w", err)
	}
	return checkpoint.LastBlock, true, nil
}

func (r *Reconciler) storeCursor(ctx context.Context, block uint64) error {
	checkpoint := models.ReconCheckpoint{Name: models.CheckpointName, LastBlock: block, UpdatedAt: r.now().UTC()}
	if err := r.db.WithContext(ctx).Save(&checkpoint).Error; err != nil {
		return fmt.Errorf("recon: store cursor: %w", err)
	}
	r.statusMu.Lock()
	r.cursor = block
	r.hasCursor = true
	r.statusMu.Unlock()
	return nil
}

func auditAction(kind chain.EventKind) string {
	switch kind {
	case chain.KindClaimSubmitted:
		return "claim_submitted"
	case chain.KindClaimStatusChanged:
		return "claim_status_changed"
	case chain.KindClaimPaid:
		return "claim_paid"
	default:
		return strings.ToLower(string(kind))
	}
}

func claimStatusFromChain(status uint8) models.ClaimStatus {
	switch status {
	case 0:
		return models.ClaimSubmitted
	case 1:
		return models.ClaimUnderReview
	case 2:
		return models.ClaimApproved
	case 3:
		return models.ClaimRejected
	case 4:
		return models.ClaimPaid
	default:
		return models.ClaimSubmitted
	}
}

func tierName(tier uint8) string {
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

func addressHex(hexStr string) string {
	return strings.ToLower(strings.TrimSpace(hexStr))
}
