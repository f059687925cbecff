// Package auth verifies Telegram Login Widget identity claims (spec §5)
// and mints/verifies the bearer session tokens the WebSocket gateway and
// REST API accept afterward. Both use the same HMAC-SHA256 construction,
// following the request-signing idiom of an HMAC trading API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxAuthAge bounds how stale a Telegram login payload may be before it is
// rejected, per spec §5.
const maxAuthAge = 24 * time.Hour

var (
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrExpired          = errors.New("auth: login payload expired")
	ErrMissingHash      = errors.New("auth: missing hash field")
	ErrInvalidToken     = errors.New("auth: invalid session token")
)

// Claim is a Telegram Login Widget payload (https://core.telegram.org/widgets/login).
type Claim struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  int64
	Hash      string
}

// Verifier checks Telegram login claims and mints/verifies session tokens,
// both keyed off the bot token.
type Verifier struct {
	secretKey []byte // sha256(botToken), per Telegram's widget spec
}

// NewVerifier derives the HMAC key from the bot token.
func NewVerifier(botToken string) *Verifier {
	sum := sha256.Sum256([]byte(botToken))
	return &Verifier{secretKey: sum[:]}
}

// fields returns the claim's non-empty, non-hash fields keyed by name;
// dataCheckString sorts them into the "k=v" data-check-string.
func (c Claim) fields() map[string]string {
	f := map[string]string{
		"id":        strconv.FormatInt(c.ID, 10),
		"auth_date": strconv.FormatInt(c.AuthDate, 10),
	}
	if c.FirstName != "" {
		f["first_name"] = c.FirstName
	}
	if c.LastName != "" {
		f["last_name"] = c.LastName
	}
	if c.Username != "" {
		f["username"] = c.Username
	}
	if c.PhotoURL != "" {
		f["photo_url"] = c.PhotoURL
	}
	return f
}

func dataCheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + fields[k]
	}
	return strings.Join(lines, "\n")
}

// Verify checks a Telegram login Claim's signature and freshness, returning
// the stable user ID (the Telegram numeric ID as a string) on success.
func (v *Verifier) Verify(c Claim, now time.Time) (userID string, err error) {
	if c.Hash == "" {
		return "", ErrMissingHash
	}
	want, err := hex.DecodeString(c.Hash)
	if err != nil {
		return "", fmt.Errorf("%w: malformed hash", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(dataCheckString(c.fields())))
	got := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return "", ErrInvalidSignature
	}

	age := now.Sub(time.Unix(c.AuthDate, 0))
	if age > maxAuthAge || age < 0 {
		return "", ErrExpired
	}
	return strconv.FormatInt(c.ID, 10), nil
}

// IssueToken mints a bearer token binding userID to the instant it was
// issued, verifiable without server-side session state.
func (v *Verifier) IssueToken(userID string, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.Unix(), 10)
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(userID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return userID + ":" + ts + ":" + sig
}

// VerifyToken checks a bearer token minted by IssueToken and returns the
// bound user ID. Tokens never expire once issued — reauthentication is the
// Telegram widget's concern, not the session layer's.
func (v *Verifier) VerifyToken(token string) (userID string, err error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	userID, ts, sigHex := parts[0], parts[1], parts[2]

	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", ErrInvalidToken
	}
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(userID + ":" + ts))
	got := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return "", ErrInvalidToken
	}
	return userID, nil
}
