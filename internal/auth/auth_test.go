package auth

import (
	"encoding/base64"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}
	body := []byte(`{"method":"store"}`)
	sig := s.Sign(body)
	if err := Verify(sig, body, s.Pubkey()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}
	sig := s.Sign([]byte("original"))
	if err := Verify(sig, []byte("tampered"), s.Pubkey()); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	a, _ := GenerateSigner()
	b, _ := GenerateSigner()
	body := []byte("body")
	if err := Verify(a.Sign(body), body, b.Pubkey()); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s, _ := GenerateSigner()
	body := []byte("body")
	if err := Verify("!!not-base64!!", body, s.Pubkey()); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature for bad base64, got %v", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if err := Verify(short, body, s.Pubkey()); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature for short sig, got %v", err)
	}
}

func TestCertSignature(t *testing.T) {
	s, _ := GenerateSigner()
	pem := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")
	if err := Verify(s.SignCert(pem), pem, s.Pubkey()); err != nil {
		t.Fatalf("cert signature did not verify: %v", err)
	}
}
