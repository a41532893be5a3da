package auth

import (
	"testing"
	"time"
)

type memNonceStore struct {
	seen map[string]time.Time
}

func newMemNonceStore() *memNonceStore {
	return &memNonceStore{seen: make(map[string]time.Time)}
}

func (s *memNonceStore) Record(nonce string, now time.Time, expiry time.Duration) (bool, error) {
	for n, at := range s.seen {
		if now.Sub(at) > expiry {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return false, nil
	}
	s.seen[nonce] = now
	return true, nil
}

type memCaps map[string]string

func (m memCaps) CapabilityToken(runID string) (string, error) {
	return m[runID], nil
}

func fixedNow(t *testing.T, unix int64) {
	t.Helper()
	orig := Now
	Now = func() int64 { return unix }
	t.Cleanup(func() { Now = orig })
}

func newTestVerifier(signer *Signer, caps memCaps) *Verifier {
	return NewVerifier(signer, newMemNonceStore(), caps, 300*time.Second, 600*time.Second)
}

func TestSignRoundTrip(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	v := newTestVerifier(signer, nil)

	body := []byte(`{"type":"stdout","data":"hi"}`)
	sig := signer.Sign("POST", "/api/ingest/event", body, 1000, "nonce-1", "", "")

	if err := v.VerifyRequest("POST", "/api/ingest/event", body, 1000, "nonce-1", sig, "", ""); err != nil {
		t.Fatalf("expected verification to pass: %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	v := newTestVerifier(signer, nil)

	sig := NewSigner("other").Sign("GET", "/api/runs/claim", nil, 1000, "n", "", "")
	err := v.VerifyRequest("GET", "/api/runs/claim", nil, 1000, "n", sig, "", "")
	if err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	v := newTestVerifier(signer, nil)

	sig := signer.Sign("POST", "/p", []byte("a"), 1000, "n", "", "")
	if err := v.VerifyRequest("POST", "/p", []byte("b"), 1000, "n", sig, "", ""); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature for tampered body, got %v", err)
	}
}

func TestVerifySkew(t *testing.T) {
	fixedNow(t, 10000)
	signer := NewSigner("secret")
	v := newTestVerifier(signer, nil)

	for _, ts := range []int64{10000 - 301, 10000 + 301} {
		sig := signer.Sign("GET", "/p", nil, ts, "n", "", "")
		if err := v.VerifyRequest("GET", "/p", nil, ts, "n", sig, "", ""); err != ErrSkew {
			t.Errorf("timestamp %d: expected ErrSkew, got %v", ts, err)
		}
	}

	// Just inside the window passes.
	sig := signer.Sign("GET", "/p", nil, 10000-300, "n2", "", "")
	if err := v.VerifyRequest("GET", "/p", nil, 10000-300, "n2", sig, "", ""); err != nil {
		t.Errorf("expected pass inside skew window, got %v", err)
	}
}

func TestVerifyReplay(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	v := newTestVerifier(signer, nil)

	sig := signer.Sign("GET", "/p", nil, 1000, "dup", "", "")
	if err := v.VerifyRequest("GET", "/p", nil, 1000, "dup", sig, "", ""); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if err := v.VerifyRequest("GET", "/p", nil, 1000, "dup", sig, "", ""); err != ErrReplay {
		t.Errorf("expected ErrReplay, got %v", err)
	}
}

func TestVerifyReplayAfterExpiry(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	store := newMemNonceStore()
	v := NewVerifier(signer, store, nil, 300*time.Second, 600*time.Second)

	sig := signer.Sign("GET", "/p", nil, 1000, "n", "", "")
	if err := v.VerifyRequest("GET", "/p", nil, 1000, "n", sig, "", ""); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Same nonce more than nonceExpirySeconds later succeeds again.
	fixedNow(t, 1000+601)
	sig2 := signer.Sign("GET", "/p", nil, 1000+601, "n", "", "")
	if err := v.VerifyRequest("GET", "/p", nil, 1000+601, "n", sig2, "", ""); err != nil {
		t.Errorf("expected pass after nonce expiry, got %v", err)
	}
}

func TestVerifyCapability(t *testing.T) {
	fixedNow(t, 1000)
	signer := NewSigner("secret")
	caps := memCaps{"r1": "tok-1"}
	v := newTestVerifier(signer, caps)

	sig := signer.Sign("POST", "/api/ingest/event", nil, 1000, "n1", "r1", "tok-1")
	if err := v.VerifyRequest("POST", "/api/ingest/event", nil, 1000, "n1", sig, "r1", "tok-1"); err != nil {
		t.Fatalf("expected pass with valid capability: %v", err)
	}

	sig = signer.Sign("POST", "/api/ingest/event", nil, 1000, "n2", "r1", "wrong")
	if err := v.VerifyRequest("POST", "/api/ingest/event", nil, 1000, "n2", sig, "r1", "wrong"); err != ErrCapability {
		t.Errorf("expected ErrCapability, got %v", err)
	}

	sig = signer.Sign("POST", "/api/ingest/event", nil, 1000, "n3", "missing", "tok")
	if err := v.VerifyRequest("POST", "/api/ingest/event", nil, 1000, "n3", sig, "missing", "tok"); err != ErrCapability {
		t.Errorf("expected ErrCapability for unknown run, got %v", err)
	}
}

func TestNewNonceLength(t *testing.T) {
	n1, n2 := NewNonce(), NewNonce()
	if len(n1) != 32 {
		t.Errorf("expected 32 hex chars (128 bits), got %d", len(n1))
	}
	if n1 == n2 {
		t.Error("expected distinct nonces")
	}
}
