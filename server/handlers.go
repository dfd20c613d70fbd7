package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"claimchain/credentials"
	"claimchain/lifecycle"
	"claimchain/models"
)

// OnboardProvider registers a provider in Pending state.
func (s *Server) OnboardProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID           string `json:"did"`
		WalletAddress string `json:"walletAddress"`
		VcCID         string `json:"vcCid"`
		Credential    []byte `json:"credential,omitempty"`
		LicenseCID    string `json:"licenseCid"`
		License       []byte `json:"license,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.manager.OnboardProvider(r.Context(), lifecycle.OnboardProviderInput{
		DID:           req.DID,
		WalletAddress: req.WalletAddress,
		VcCID:         req.VcCID,
		Credential:    req.Credential,
		LicenseCID:    req.LicenseCID,
		License:       req.License,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetProvider returns the stored provider record.
func (s *Server) GetProvider(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	var provider models.Provider
	if err := s.db.WithContext(r.Context()).First(&provider, "did = ?", did).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

// ApproveProvider marks a pending provider approved.
func (s *Server) ApproveProvider(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.ApproveProvider(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectProvider marks a pending provider rejected.
func (s *Server) RejectProvider(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.RejectProvider(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SubmitPolicy escrows the premium on chain and records the pending policy.
func (s *Server) SubmitPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderDID        string `json:"providerDid"`
		BeneficiaryAddress string `json:"beneficiaryAddress"`
		BeneficiaryDID     string `json:"beneficiaryDid"`
		CoverageWei        string `json:"coverageWei"`
		PremiumWei         string `json:"premiumWei"`
		Tier               uint8  `json:"tier"`
		StartTime          int64  `json:"startTime"`
		EndTime            int64  `json:"endTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.manager.SubmitPolicy(r.Context(), lifecycle.SubmitPolicyInput{
		ProviderDID:        req.ProviderDID,
		BeneficiaryAddress: req.BeneficiaryAddress,
		BeneficiaryDID:     req.BeneficiaryDID,
		CoverageWei:        req.CoverageWei,
		PremiumWei:         req.PremiumWei,
		Tier:               req.Tier,
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetPolicy returns the stored policy record by its on-chain identifier.
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var policy models.Policy
	if err := s.db.WithContext(r.Context()).First(&policy, "onchain_policy_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "policy not found", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// ApprovePolicy activates a pending policy.
func (s *Server) ApprovePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.manager.ApprovePolicy(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectPolicy refunds the escrowed premium and rejects the policy.
func (s *Server) RejectPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.manager.RejectPolicy(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SubmitClaim verifies the presented credential and submits the claim.
func (s *Server) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyID       uint64 `json:"policyId"`
		PatientAddress string `json:"patientAddress"`
		PatientDID     string `json:"patientDid"`
		ProviderDID    string `json:"providerDid"`
		AmountWei      string `json:"amountWei"`
		Document       []byte `json:"document,omitempty"`
		DocCID         string `json:"docCid"`
		VcCID          string `json:"vcCid"`
		VcJWT          string `json:"vcJwt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.manager.SubmitClaim(r.Context(), lifecycle.SubmitClaimInput{
		PolicyOnchainID: req.PolicyID,
		PatientAddress:  req.PatientAddress,
		PatientDID:      req.PatientDID,
		ProviderDID:     req.ProviderDID,
		AmountWei:       req.AmountWei,
		Document:        req.Document,
		DocCID:          req.DocCID,
		PresentedVcCID:  req.VcCID,
		PresentedJWT:    req.VcJWT,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetClaim returns the stored claim record by its on-chain identifier.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var claim models.Claim
	if err := s.db.WithContext(r.Context()).First(&claim, "onchain_claim_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "claim not found", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ReviewClaim moves a submitted claim into review.
func (s *Server) ReviewClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.manager.ReviewClaim(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApproveAndPayClaim approves a reviewed claim and pays the provider.
func (s *Server) ApproveAndPayClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		PayoutWei string `json:"payoutWei"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.manager.ApproveAndPayClaim(r.Context(), id, req.PayoutWei)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectClaim rejects a reviewed claim.
func (s *Server) RejectClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.manager.RejectClaim(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// VerifyCredential runs the verification protocol without submitting a claim.
// The structured result is always 200; verification failure is data, not an
// HTTP error.
func (s *Server) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyID    uint64 `json:"policyId"`
		VcCID       string `json:"vcCid"`
		VcJWT       string `json:"vcJwt"`
		ProviderDID string `json:"providerDid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result := s.verifier.Verify(r.Context(), credentials.Request{
		PolicyOnchainID:    req.PolicyID,
		PresentedCID:       req.VcCID,
		PresentedJWT:       req.VcJWT,
		ClaimedProviderDID: req.ProviderDID,
	})
	writeJSON(w, http.StatusOK, result)
}

// ListDeadLetters returns recently quarantined events, newest first.
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	var letters []models.DeadLetterEvent
	if err := s.db.WithContext(r.Context()).Order("created_at DESC").Limit(limit).Find(&letters).Error; err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": letters})
}

// Healthz reports database connectivity and reconciler progress.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{"status": "ok"}

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if s.recon != nil {
		health := s.recon.Health()
		body["recon"] = health
		if health.LastError != "" {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verification *lifecycle.VerificationError
	if errors.As(err, &verification) {
		status := http.StatusForbidden
		switch verification.Result.Error {
		case credentials.FailurePolicyNotFound:
			status = http.StatusNotFound
		case credentials.FailureUnexpected:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, verification.Result)
		return
	}
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrInvalidState), errors.Is(err, lifecycle.ErrRefundRequired):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrPayoutExceedsClaim),
		errors.Is(err, lifecycle.ErrPayoutNotPositive),
		errors.Is(err, lifecycle.ErrProviderNotActive):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		s.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid identifier", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
