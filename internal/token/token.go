// Package token implements the Token Service: minting and validating
// HMAC-signed, session-scoped bearer tokens.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies why a token failed to validate.
type Kind string

const (
	KindBlank        Kind = "blank"
	KindMalformed    Kind = "malformed"
	KindBadBase64    Kind = "bad_base64"
	KindBadSignature Kind = "bad_signature"
	KindExpired      Kind = "expired"
	KindBadPayload   Kind = "bad_payload"
)

// ValidationError reports why validate failed.
type ValidationError struct {
	Kind Kind
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("token validation failed: %s", e.Kind)
}

// SessionToken is the decoded, verified claims of a minted token.
type SessionToken struct {
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type claims struct {
	SessionID string `json:"sessionId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// DefaultValidity is the default token lifetime per spec.
const DefaultValidity = 1 * time.Hour

// Service mints and validates session tokens using a shared master secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// New constructs a Service. Rejects a blank or missing master secret.
func New(masterSecret string) (*Service, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, fmt.Errorf("token: master secret must not be blank")
	}
	return &Service{secret: []byte(masterSecret), now: time.Now}, nil
}

// Mint creates a signed bearer token for sessionID valid for the given
// duration. validity <= 0 uses DefaultValidity.
func (s *Service) Mint(sessionID string, validity time.Duration) (string, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	now := s.now().UTC()
	c := claims{
		SessionID: sessionID,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(validity).UnixMilli(),
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}

	payloadEnc := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.sign(payloadEnc)
	sigEnc := base64.RawURLEncoding.EncodeToString(sig)

	return payloadEnc + "." + sigEnc, nil
}

// Validate verifies token's signature (constant time) and expiry, returning
// the decoded SessionToken on success.
func (s *Service) Validate(tok string) (*SessionToken, error) {
	if strings.TrimSpace(tok) == "" {
		return nil, &ValidationError{Kind: KindBlank}
	}

	parts := strings.SplitN(tok, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, &ValidationError{Kind: KindMalformed}
	}

	payloadEnc, sigEnc := parts[0], parts[1]

	payload, err := base64.RawURLEncoding.DecodeString(payloadEnc)
	if err != nil {
		return nil, &ValidationError{Kind: KindBadBase64}
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigEnc)
	if err != nil {
		return nil, &ValidationError{Kind: KindBadBase64}
	}

	expected := s.sign(payloadEnc)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return nil, &ValidationError{Kind: KindBadSignature}
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil || c.SessionID == "" {
		return nil, &ValidationError{Kind: KindBadPayload}
	}

	st := &SessionToken{
		SessionID: c.SessionID,
		IssuedAt:  time.UnixMilli(c.IssuedAt).UTC(),
		ExpiresAt: time.UnixMilli(c.ExpiresAt).UTC(),
	}

	if !s.now().Before(st.ExpiresAt) {
		return nil, &ValidationError{Kind: KindExpired}
	}

	return st, nil
}

func (s *Service) sign(payloadEnc string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadEnc))
	return mac.Sum(nil)
}
