package onion

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrInvalidJSON       = errors.New("invalid json")
)

// Payload is one decrypted onion layer:
// | <4 bytes LE>: N | <N bytes>: ciphertext | <rest>: json as utf8 |
// Inner keeps the raw JSON tail so framing round-trips byte for byte.
type Payload struct {
	Ciphertext []byte
	Inner      []byte
}

// ParseFrame splits a combined payload. The JSON tail must decode to an
// object; there is no separator and no trailing terminator.
func ParseFrame(payload []byte) (Payload, error) {
	if len(payload) < 4 {
		return Payload{}, fmt.Errorf("%w: payload of %d bytes is too short", ErrInvalidCiphertext, len(payload))
	}
	n := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	if uint64(len(rest)) < uint64(n) {
		return Payload{}, fmt.Errorf("%w: payload of %d bytes, expected >= %d", ErrInvalidCiphertext, len(rest), n)
	}
	p := Payload{
		Ciphertext: rest[:n],
		Inner:      rest[n:],
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p.Inner, &obj); err != nil || obj == nil {
		return Payload{}, fmt.Errorf("%w: trailing bytes are not a json object", ErrInvalidJSON)
	}
	return p, nil
}

// BuildFrame is the inverse of ParseFrame.
func BuildFrame(ciphertext, inner []byte) []byte {
	out := make([]byte, 4+len(ciphertext)+len(inner))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(ciphertext)))
	copy(out[4:], ciphertext)
	copy(out[4+len(ciphertext):], inner)
	return out
}
