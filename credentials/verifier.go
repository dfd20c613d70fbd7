package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"claimchain/models"
	"claimchain/observability/logging"
)

// Failure kinds returned by Verify. These are results, not errors; callers
// branch on them and only unexpected_error indicates an infrastructure fault.
const (
	FailurePolicyNotFound       = "policy_not_found"
	FailureProviderNotFound     = "provider_not_found"
	FailureProviderNotApproved  = "provider_not_approved"
	FailureCIDMismatch          = "vcCid_mismatch"
	FailureJWTInvalid           = "jwt_invalid"
	FailureJWTSubjectMismatch   = "jwt_subject_mismatch"
	FailureNoVerificationMethod = "no_verification_method"
	FailureUnexpected           = "unexpected_error"
)

// JWTVerification is the outcome reported by the external credential
// verifier.
type JWTVerification struct {
	Verified bool
	Error    string
}

// JWTVerifier delegates cryptographic credential verification. The returned
// error marks an infrastructure fault, not a failed verification.
type JWTVerifier interface {
	VerifyJWT(ctx context.Context, token string) (JWTVerification, error)
}

// Request carries one credential presentation to check.
type Request struct {
	PolicyOnchainID    uint64
	PresentedCID       string
	PresentedJWT       string
	ClaimedProviderDID string
}

// Result is the structured decision. Tried records the steps attempted for
// diagnostics; it never influences the decision itself.
type Result struct {
	Verified       bool     `json:"verified"`
	CIDMatches     bool     `json:"cidMatches"`
	JWTMatches     bool     `json:"jwtMatches"`
	CryptoVerified bool     `json:"cryptoVerified"`
	Error          string   `json:"error,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	StoredCID      string   `json:"storedCid,omitempty"`
	PresentedCID   string   `json:"presentedCid,omitempty"`
	ProviderDID    string   `json:"providerDid,omitempty"`
	Tried          []string `json:"tried"`
}

// Verifier validates a presented credential against a stored provider record.
// The protocol is pure: no writes, safe to call speculatively and repeatedly.
type Verifier struct {
	db     *gorm.DB
	jwts   JWTVerifier
	logger *slog.Logger
}

// NewVerifier builds a verifier over the store and the external crypto
// verifier.
func NewVerifier(db *gorm.DB, jwts JWTVerifier, logger *slog.Logger) (*Verifier, error) {
	if db == nil {
		return nil, errors.New("credentials: db is required")
	}
	if jwts == nil {
		return nil, errors.New("credentials: jwt verifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{db: db, jwts: jwts, logger: logger}, nil
}

// Verify runs the verification protocol, short-circuiting at the first
// decisive step. A panic anywhere in the flow is reported as
// unexpected_error rather than propagated.
func (v *Verifier) Verify(ctx context.Context, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("credential verification panicked", "policy", req.PolicyOnchainID, "panic", r)
			result = Result{Error: FailureUnexpected, Reason: fmt.Sprint(r), Tried: result.Tried}
		}
	}()
	result.Tried = []string{}

	result.Tried = append(result.Tried, "policy_lookup")
	var policy models.Policy
	if err := v.db.WithContext(ctx).First(&policy, "onchain_policy_id = ?", req.PolicyOnchainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Error = FailurePolicyNotFound
			return result
		}
		result.Error = FailureUnexpected
		result.Reason = err.Error()
		return result
	}

	result.Tried = append(result.Tried, "provider_lookup")
	provider, failure, reason := v.resolveProvider(ctx, &policy, req.ClaimedProviderDID)
	if failure != "" {
		result.Error = failure
		result.Reason = reason
		return result
	}
	result.ProviderDID = provider.DID

	if cid := strings.TrimSpace(req.PresentedCID); cid != "" {
		result.Tried = append(result.Tried, "cid_compare")
		if cid != provider.VcCID {
			result.Error = FailureCIDMismatch
			result.StoredCID = provider.VcCID
			result.PresentedCID = cid
			return result
		}
		result.CIDMatches = true
	}

	if token := strings.TrimSpace(req.PresentedJWT); token != "" {
		result.Tried = append(result.Tried, "jwt_verify")
		outcome, err := v.jwts.VerifyJWT(ctx, token)
		if err != nil {
			result.Error = FailureUnexpected
			result.Reason = err.Error()
			return result
		}
		if !outcome.Verified {
			v.logger.Debug("credential token rejected",
				"policy", req.PolicyOnchainID,
				"token", logging.MaskToken(token),
				"reason", outcome.Error)
			result.Error = FailureJWTInvalid
			result.Reason = outcome.Error
			return result
		}
		result.CryptoVerified = true
		result.Tried = append(result.Tried, "jwt_subject_binding")
		subject, err := CredentialSubject(token)
		if err != nil {
			result.Error = FailureJWTInvalid
			result.Reason = err.Error()
			return result
		}
		if subject != provider.DID {
			result.Error = FailureJWTSubjectMismatch
			result.Reason = fmt.Sprintf("credential subject %s does not bind provider %s", subject, provider.DID)
			return result
		}
		result.JWTMatches = true
	}

	if !result.CIDMatches && !result.JWTMatches {
		result.Error = FailureNoVerificationMethod
		return result
	}
	result.Verified = true
	return result
}

// resolveProvider picks the provider to check: the claimed DID when supplied
// (any approved provider may submit against any policy), otherwise the
// policy's own provider.
func (v *Verifier) resolveProvider(ctx context.Context, policy *models.Policy, claimedDID string) (*models.Provider, string, string) {
	var provider models.Provider
	did := strings.TrimSpace(claimedDID)
	if did == "" {
		did = policy.ProviderDID
	}
	if err := v.db.WithContext(ctx).First(&provider, "did = ?", did).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, FailureProviderNotFound, fmt.Sprintf("provider %s not found", did)
		}
		return nil, FailureUnexpected, err.Error()
	}
	if provider.Status != models.ProviderApproved {
		return nil, FailureProviderNotApproved, fmt.Sprintf("provider %s status %s", provider.DID, provider.Status)
	}
	return &provider, "", ""
}

// CredentialSubject extracts the subject the credential is about: the
// verifiable-credential subject id when present, otherwise the standard sub
// claim. The token's signature is checked separately by the external
// verifier.
func CredentialSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("credentials: decode token: %w", err)
	}
	if vc, ok := claims["vc"].(map[string]interface{}); ok {
		if subject, ok := vc["credentialSubject"].(map[string]interface{}); ok {
			if id, ok := subject["id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errors.New("credentials: token carries no subject")
}
