package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swarmnode/internal/auth"
	"swarmnode/internal/channel"
	"swarmnode/internal/keys"
)

const (
	x25519KeyFile  = "key_x25519"
	ed25519KeyFile = "key_ed25519"
)

// loadIdentity loads the node's long-lived keys from the data dir,
// generating them on first start. Without a data dir the identity is
// ephemeral, which is only useful for local testing.
func loadIdentity(dataDir string) (*channel.Cipher, *auth.Signer, keys.LegacyPubkey, error) {
	if dataDir == "" {
		return ephemeralIdentity()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}

	sec, err := loadOrCreateKey(filepath.Join(dataDir, x25519KeyFile), keys.SeckeySize, newX25519Seed)
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}
	xSec, err := keys.SeckeyFromBytes(sec)
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}
	xPub, err := channel.PubkeyOf(xSec)
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}

	seed, err := loadOrCreateKey(filepath.Join(dataDir, ed25519KeyFile), ed25519.SeedSize, newEdSeed)
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}
	signer, err := auth.NewSigner(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}

	return channel.New(xPub, xSec), signer, legacyFrom(signer), nil
}

func ephemeralIdentity() (*channel.Cipher, *auth.Signer, keys.LegacyPubkey, error) {
	xPub, xSec, err := channel.GenerateKeypair()
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}
	signer, err := auth.GenerateSigner()
	if err != nil {
		return nil, nil, keys.LegacyPubkey{}, err
	}
	return channel.New(xPub, xSec), signer, legacyFrom(signer), nil
}

// legacyFrom stands in for the registration-supplied legacy key: the
// chain snapshot is authoritative once we appear in it.
func legacyFrom(signer *auth.Signer) keys.LegacyPubkey {
	ed := signer.Pubkey()
	pk, _ := keys.LegacyFromBytes(ed[:])
	return pk
}

func newX25519Seed() ([]byte, error) {
	_, sec, err := channel.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return sec[:], nil
}

func newEdSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func loadOrCreateKey(path string, size int, generate func() ([]byte, error)) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != size {
			return nil, fmt.Errorf("corrupt key file %s", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
