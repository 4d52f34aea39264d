package auth

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"swarmnode/internal/keys"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownSigner    = errors.New("unknown signer")
)

// Request headers carrying the snode-to-snode attestation.
const (
	SenderHeader    = "X-Snode-Sender"
	SignatureHeader = "X-Snode-Signature"
)

// Signer produces detached Ed25519 signatures over the SHA-512 of a
// payload. Signatures travel base64-encoded.
type Signer struct {
	priv ed25519.PrivateKey
	pub  keys.Ed25519Pubkey
}

func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes", ed25519.PrivateKeySize)
	}
	pub, err := keys.Ed25519FromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// GenerateSigner makes a fresh signing identity from a random seed.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv)
}

func (s *Signer) Pubkey() keys.Ed25519Pubkey { return s.pub }

// Sign returns the base64 detached signature over SHA-512(body).
func (s *Signer) Sign(body []byte) string {
	digest := sha512.Sum512(body)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest[:]))
}

// SignCert attests a TLS certificate: the signed payload is the SHA-512
// of the certificate in PEM form.
func (s *Signer) SignCert(certPEM []byte) string {
	return s.Sign(certPEM)
}

// Verify checks a base64 detached signature over SHA-512(body) against
// the signer's Ed25519 pubkey.
func Verify(sigB64 string, body []byte, signer keys.Ed25519Pubkey) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	digest := sha512.Sum512(body)
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
