package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func signedClaim(v *Verifier, c Claim) Claim {
	// compute the real hash the same way Verify does, for round-trip tests
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(dataCheckString(c.fields())))
	c.Hash = hex.EncodeToString(mac.Sum(nil))
	return c
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := NewVerifier("test-bot-token")
	now := time.Unix(1_700_000_000, 0)
	c := Claim{ID: 42, FirstName: "Ada", AuthDate: now.Unix() - 10}
	c = signedClaim(v, c)

	userID, err := v.Verify(c, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "42" {
		t.Fatalf("userID = %q, want 42", userID)
	}
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	v := NewVerifier("test-bot-token")
	now := time.Unix(1_700_000_000, 0)
	c := Claim{ID: 42, FirstName: "Ada", AuthDate: now.Unix() - 10}
	c = signedClaim(v, c)
	c.FirstName = "Eve"

	if _, err := v.Verify(c, now); err != ErrInvalidSignature {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("test-bot-token")
	now := time.Unix(1_700_000_000, 0)
	c := Claim{ID: 42, AuthDate: now.Unix() - int64(25*time.Hour/time.Second)}
	c = signedClaim(v, c)

	if _, err := v.Verify(c, now); err != ErrExpired {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	v := NewVerifier("test-bot-token")
	tok := v.IssueToken("42", time.Unix(1_700_000_000, 0))

	userID, err := v.VerifyToken(tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if userID != "42" {
		t.Fatalf("userID = %q, want 42", userID)
	}
}

func TestVerifyTokenRejectsTampered(t *testing.T) {
	v := NewVerifier("test-bot-token")
	tok := v.IssueToken("42", time.Unix(1_700_000_000, 0))
	tampered := "43" + tok[2:]

	if _, err := v.VerifyToken(tampered); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
