package auth

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"time"
)

// Verification failure kinds. Handlers map these to 401/403 responses with
// the matching code string.
var (
	ErrBadSignature = errors.New("auth.bad_signature")
	ErrSkew         = errors.New("auth.skew")
	ErrReplay       = errors.New("auth.replay")
	ErrCapability   = errors.New("auth.capability")
)

// NonceStore records nonces for replay protection. Record returns false when
// the nonce was already recorded inside the expiry window. Implementations
// purge expired records lazily.
type NonceStore interface {
	Record(nonce string, now time.Time, expiry time.Duration) (bool, error)
}

// CapabilityChecker resolves the capability token for a run. Returns the
// stored token, or "" when the run does not exist.
type CapabilityChecker interface {
	CapabilityToken(runID string) (string, error)
}

// Verifier checks inbound signed requests: signature, clock skew, nonce
// replay, and run capability.
type Verifier struct {
	signer *Signer
	nonces NonceStore
	caps   CapabilityChecker
	skew   time.Duration
	expiry time.Duration
}

// NewVerifier builds a Verifier. caps may be nil when no run-scoped endpoints
// are verified through it.
func NewVerifier(signer *Signer, nonces NonceStore, caps CapabilityChecker, skew, expiry time.Duration) *Verifier {
	return &Verifier{signer: signer, nonces: nonces, caps: caps, skew: skew, expiry: expiry}
}

// VerifyRequest checks a request's signature headers. runID and capToken are
// empty for endpoints that do not act on a specific run. On success the nonce
// is recorded.
func (v *Verifier) VerifyRequest(method, path string, body []byte, timestamp int64, nonce, signature, runID, capToken string) error {
	if nonce == "" || signature == "" {
		return ErrBadSignature
	}

	now := Now()
	delta := now - timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.skew {
		return ErrSkew
	}

	// Capability before signature: the token is part of the signing input,
	// so a mismatched token fails the signature check too, but the caller
	// should see the more specific kind.
	if runID != "" {
		stored, err := v.caps.CapabilityToken(runID)
		if err != nil {
			return fmt.Errorf("capability lookup: %w", err)
		}
		if stored == "" || !constantTimeEqual(stored, capToken) {
			return ErrCapability
		}
	}

	if !v.signer.Check(signature, method, path, body, timestamp, nonce, runID, capToken) {
		return ErrBadSignature
	}

	fresh, err := v.nonces.Record(nonce, time.Unix(now, 0), v.expiry)
	if err != nil {
		return fmt.Errorf("nonce record: %w", err)
	}
	if !fresh {
		return ErrReplay
	}
	return nil
}

// constantTimeEqual compares secrets without leaking timing. hmac.Equal is
// subtle.ConstantTimeCompare plus the length check.
func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
