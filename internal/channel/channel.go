package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"swarmnode/internal/keys"
)

// ErrInvalidCiphertext covers every decryption failure: short input,
// auth tag mismatch, bad padding, degenerate ECDH.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

type EncType int

const (
	AESGCM EncType = iota
	AESCBC
	XChaCha20
)

func (t EncType) String() string {
	switch t {
	case AESGCM:
		return "aes-gcm"
	case AESCBC:
		return "aes-cbc"
	case XChaCha20:
		return "xchacha20"
	}
	return fmt.Sprintf("enc_type(%d)", int(t))
}

// ParseEncType maps the wire names onto EncType. Senders that omit the
// field get AESGCM upstream; an unknown name here is fatal to the parse.
func ParseEncType(s string) (EncType, error) {
	switch s {
	case "aes-gcm", "gcm":
		return AESGCM, nil
	case "aes-cbc", "cbc":
		return AESCBC, nil
	case "xchacha20", "xchacha20-poly1305":
		return XChaCha20, nil
	}
	return 0, fmt.Errorf("invalid encryption type %q", s)
}

const (
	gcmNonceSize = 12
	cbcIVSize    = aes.BlockSize
	xNonceSize   = chacha20poly1305.NonceSizeX
)

// hmacKey salts the GCM symmetric key derivation.
const hmacKey = "LOKI"

// Cipher holds this node's long-lived X25519 pair and performs the
// hybrid encrypt/decrypt against a peer's ephemeral public key.
type Cipher struct {
	pub keys.X25519Pubkey
	sec keys.X25519Seckey
}

func New(pub keys.X25519Pubkey, sec keys.X25519Seckey) *Cipher {
	return &Cipher{pub: pub, sec: sec}
}

func (c *Cipher) Pubkey() keys.X25519Pubkey { return c.pub }

// GenerateKeypair makes a fresh X25519 pair; generated once per process.
func GenerateKeypair() (keys.X25519Pubkey, keys.X25519Seckey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return keys.X25519Pubkey{}, keys.X25519Seckey{}, err
	}
	pub, err := keys.X25519FromBytes(priv.PublicKey().Bytes())
	if err != nil {
		return keys.X25519Pubkey{}, keys.X25519Seckey{}, err
	}
	sec, err := keys.SeckeyFromBytes(priv.Bytes())
	if err != nil {
		return keys.X25519Pubkey{}, keys.X25519Seckey{}, err
	}
	return pub, sec, nil
}

// PubkeyOf derives the public half of an X25519 secret key.
func PubkeyOf(sec keys.X25519Seckey) (keys.X25519Pubkey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(sec[:])
	if err != nil {
		return keys.X25519Pubkey{}, err
	}
	return keys.X25519FromBytes(priv.PublicKey().Bytes())
}

func (c *Cipher) Encrypt(t EncType, plaintext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	switch t {
	case AESGCM:
		return c.encryptGCM(plaintext, peer)
	case AESCBC:
		return c.encryptCBC(plaintext, peer)
	case XChaCha20:
		return c.encryptXChaCha20(plaintext, peer)
	}
	return nil, fmt.Errorf("invalid encryption type %v", t)
}

func (c *Cipher) Decrypt(t EncType, ciphertext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	switch t {
	case AESGCM:
		return c.decryptGCM(ciphertext, peer)
	case AESCBC:
		return c.decryptCBC(ciphertext, peer)
	case XChaCha20:
		return c.decryptXChaCha20(ciphertext, peer)
	}
	return nil, fmt.Errorf("invalid decryption type %v", t)
}

// sharedSecret is plain X25519 between our secret and the peer public.
func (c *Cipher) sharedSecret(peer keys.X25519Pubkey) ([]byte, error) {
	secret, err := curve25519.X25519(c.sec[:], peer[:])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return secret, nil
}

// gcmKey = HMAC-SHA256(key="LOKI", msg=ECDH).
func (c *Cipher) gcmKey(peer keys.X25519Pubkey) ([]byte, error) {
	secret, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write(secret)
	return mac.Sum(nil), nil
}

// xchachaKey = BLAKE2b-32(ECDH || sender pub || receiver pub); the two
// pubkeys swap places depending on direction so both sides derive the
// same key.
func (c *Cipher) xchachaKey(peer keys.X25519Pubkey, sending bool) ([]byte, error) {
	secret, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(secret)
	if sending {
		h.Write(c.pub[:])
		h.Write(peer[:])
	} else {
		h.Write(peer[:])
		h.Write(c.pub[:])
	}
	return h.Sum(nil), nil
}

// Output framing: nonce(12) || ciphertext || tag(16).
func (c *Cipher) encryptGCM(plaintext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.gcmKey(peer)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out[:gcmNonceSize]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:gcmNonceSize], plaintext, nil), nil
}

func (c *Cipher) decryptGCM(ciphertext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.gcmKey(peer)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := aead.Open(nil, ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, gcmNonceSize)
}

// Output framing: iv(16) || ciphertext, PKCS#7 padded. Unauthenticated:
// kept only for inbound legacy traffic; a successful decrypt proves
// nothing about integrity.
func (c *Cipher) encryptCBC(plaintext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, cbcIVSize+len(padded))
	if _, err := rand.Read(out[:cbcIVSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:cbcIVSize]).CryptBlocks(out[cbcIVSize:], padded)
	return out, nil
}

func (c *Cipher) decryptCBC(ciphertext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	body := ciphertext
	if len(body) < cbcIVSize {
		return nil, ErrInvalidCiphertext
	}
	iv, body := body[:cbcIVSize], body[cbcIVSize:]
	if len(body) == 0 || len(body)%block.BlockSize() != 0 {
		return nil, ErrInvalidCiphertext
	}
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)
	return pkcs7Unpad(plaintext, block.BlockSize())
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize
	out := make([]byte, len(in)+n)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrInvalidCiphertext
	}
	n := int(in[len(in)-1])
	if n == 0 || n > blockSize || n > len(in) {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, ErrInvalidCiphertext
		}
	}
	return in[:len(in)-n], nil
}

// Output framing: nonce(24) || ciphertext || tag(16).
func (c *Cipher) encryptXChaCha20(plaintext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.xchachaKey(peer, true)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, xNonceSize, xNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out[:xNonceSize]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:xNonceSize], plaintext, nil), nil
}

func (c *Cipher) decryptXChaCha20(ciphertext []byte, peer keys.X25519Pubkey) ([]byte, error) {
	key, err := c.xchachaKey(peer, false)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < xNonceSize+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := aead.Open(nil, ciphertext[:xNonceSize], ciphertext[xNonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
