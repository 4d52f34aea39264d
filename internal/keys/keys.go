package keys

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	PubkeySize = 32
	SeckeySize = 32
)

// z-base-32, used for legacy snode addresses (<pubkey>.snode).
var base32z = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// LegacyPubkey is the primary service node identity key.
type LegacyPubkey [PubkeySize]byte

// Ed25519Pubkey is the signing identity of a service node.
type Ed25519Pubkey [PubkeySize]byte

// X25519Pubkey is the DH identity used for channel encryption.
type X25519Pubkey [PubkeySize]byte

// X25519Seckey is the DH secret half. Outside the process it is only
// kept in the node's own key file.
type X25519Seckey [PubkeySize]byte

func decodeHex(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid pubkey hex length %d, expected %d", len(s), 2*len(dst))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return nil
}

func fromBytes(dst []byte, b []byte) error {
	if len(b) != len(dst) {
		return fmt.Errorf("invalid pubkey length %d, expected %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func LegacyFromHex(s string) (pk LegacyPubkey, err error) {
	err = decodeHex(pk[:], s)
	return
}

func LegacyFromBytes(b []byte) (pk LegacyPubkey, err error) {
	err = fromBytes(pk[:], b)
	return
}

func Ed25519FromHex(s string) (pk Ed25519Pubkey, err error) {
	err = decodeHex(pk[:], s)
	return
}

func Ed25519FromBytes(b []byte) (pk Ed25519Pubkey, err error) {
	err = fromBytes(pk[:], b)
	return
}

func X25519FromHex(s string) (pk X25519Pubkey, err error) {
	err = decodeHex(pk[:], s)
	return
}

func X25519FromBytes(b []byte) (pk X25519Pubkey, err error) {
	err = fromBytes(pk[:], b)
	return
}

func SeckeyFromHex(s string) (sk X25519Seckey, err error) {
	err = decodeHex(sk[:], s)
	return
}

func SeckeyFromBytes(b []byte) (sk X25519Seckey, err error) {
	err = fromBytes(sk[:], b)
	return
}

func (pk LegacyPubkey) Hex() string  { return hex.EncodeToString(pk[:]) }
func (pk Ed25519Pubkey) Hex() string { return hex.EncodeToString(pk[:]) }
func (pk X25519Pubkey) Hex() string  { return hex.EncodeToString(pk[:]) }

func (pk LegacyPubkey) IsZero() bool  { return pk == LegacyPubkey{} }
func (pk Ed25519Pubkey) IsZero() bool { return pk == Ed25519Pubkey{} }
func (pk X25519Pubkey) IsZero() bool  { return pk == X25519Pubkey{} }

func (pk LegacyPubkey) String() string  { return pk.Hex() }
func (pk Ed25519Pubkey) String() string { return pk.Hex() }
func (pk X25519Pubkey) String() string  { return pk.Hex() }

// Pubkeys marshal as bare lowercase hex in JSON.
func (pk LegacyPubkey) MarshalJSON() ([]byte, error)  { return json.Marshal(pk.Hex()) }
func (pk Ed25519Pubkey) MarshalJSON() ([]byte, error) { return json.Marshal(pk.Hex()) }
func (pk X25519Pubkey) MarshalJSON() ([]byte, error)  { return json.Marshal(pk.Hex()) }

func (pk *LegacyPubkey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := LegacyFromHex(s)
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

func (pk *Ed25519Pubkey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := Ed25519FromHex(s)
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

func (pk *X25519Pubkey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := X25519FromHex(s)
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

// Base32z renders the legacy pubkey the way snode addresses are written
// on the wire (52 characters, no padding).
func (pk LegacyPubkey) Base32z() string {
	return base32z.EncodeToString(pk[:])
}

// SnodeAddress is the legacy "<base32z>.snode" form.
func (pk LegacyPubkey) SnodeAddress() string {
	return pk.Base32z() + ".snode"
}

// LegacyFromBase32z parses the base32z form, with or without the
// ".snode" suffix.
func LegacyFromBase32z(s string) (LegacyPubkey, error) {
	s = trimSnodeSuffix(s)
	raw, err := base32z.DecodeString(s)
	if err != nil {
		return LegacyPubkey{}, fmt.Errorf("invalid base32z pubkey: %w", err)
	}
	return LegacyFromBytes(raw)
}

func trimSnodeSuffix(s string) string {
	const suffix = ".snode"
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// UserPubkey is a client identity: a network prefix byte followed by a
// 32-byte key, carried as 66 hex characters.
type UserPubkey struct {
	raw string
}

const UserPubkeyHexSize = 66

func UserPubkeyFromHex(s string) (UserPubkey, error) {
	if len(s) != UserPubkeyHexSize {
		return UserPubkey{}, fmt.Errorf("user pubkey must be %d characters long", UserPubkeyHexSize)
	}
	if !isHex(s) {
		return UserPubkey{}, fmt.Errorf("user pubkey is not valid hex")
	}
	return UserPubkey{raw: s}, nil
}

func (pk UserPubkey) Hex() string    { return pk.raw }
func (pk UserPubkey) String() string { return pk.raw }
func (pk UserPubkey) IsZero() bool   { return pk.raw == "" }

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Equal compares raw key bytes in constant order; it is a container
// convenience, not a cryptographic comparison.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
