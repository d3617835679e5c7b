package token

import (
	"strings"
	"testing"
	"time"
)

func TestNewRejectsBlankSecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for blank secret")
	}
	if _, err := New("   "); err == nil {
		t.Fatal("expected error for whitespace-only secret")
	}
}

func TestMintValidateRoundTrip(t *testing.T) {
	svc, err := New("master-secret")
	if err != nil {
		t.Fatal(err)
	}

	tok, err := svc.Mint("sess-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	st, err := svc.Validate(tok)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if st.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", st.SessionID)
	}
}

func TestValidateExpired(t *testing.T) {
	svc, err := New("master-secret")
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	tok, err := svc.Mint("sess-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, err := svc.Validate(tok); err != nil {
		t.Fatalf("expected valid token before expiry, got %v", err)
	}

	svc.now = func() time.Time { return base.Add(time.Minute) }
	_, err = svc.Validate(tok)
	verr, ok := asValidationError(err)
	if !ok || verr.Kind != KindExpired {
		t.Fatalf("expected KindExpired, got %+v", verr)
	}
}

func TestValidateTamperedSignatureRejected(t *testing.T) {
	svc, err := New("master-secret")
	if err != nil {
		t.Fatal(err)
	}

	tok, err := svc.Mint("sess-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Flip a single bit of the decoded signature: the first character of the
	// signature segment carries six full data bits, and 'A' (0) and 'B' (1)
	// differ only in the lowest of them.
	tampered := []byte(tok)
	first := strings.LastIndex(tok, ".") + 1
	if tampered[first] == 'A' {
		tampered[first] = 'B'
	} else {
		tampered[first] = 'A'
	}

	_, err = svc.Validate(string(tampered))
	verr, ok := asValidationError(err)
	if !ok || verr.Kind != KindBadSignature {
		t.Fatalf("expected KindBadSignature, got %+v", verr)
	}
}

func TestValidateBlankMalformedBadBase64(t *testing.T) {
	svc, err := New("master-secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Validate(""); err == nil {
		t.Fatal("expected error for blank token")
	}

	_, err = svc.Validate("no-dot-here")
	verr, ok := asValidationError(err)
	if !ok || verr.Kind != KindMalformed {
		t.Fatalf("expected KindMalformed, got %+v", verr)
	}

	_, err = svc.Validate("not!base64.also!not")
	verr, ok = asValidationError(err)
	if !ok || verr.Kind != KindBadBase64 {
		t.Fatalf("expected KindBadBase64, got %+v", verr)
	}
}

func asValidationError(err error) (*ValidationError, bool) {
	verr, ok := err.(*ValidationError)
	return verr, ok
}
