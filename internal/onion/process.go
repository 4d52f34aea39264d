package onion

import (
	"encoding/json"
	"errors"

	"swarmnode/internal/channel"
	"swarmnode/internal/keys"
)

// Parsed is the per-hop classification of a decrypted onion layer.
// Exactly one of the four variants comes out of ProcessInner.
type Parsed interface{ isParsed() }

// Terminal: this node is the exit; Body goes to the local RPC layer.
type Terminal struct {
	Body       []byte
	WantJSON   bool
	WantBase64 bool
}

// RelayToNode: forward the next ciphertext layer to another snode.
// EphemeralKey is carried as received; it is decoded at dispatch time.
type RelayToNode struct {
	Ciphertext   []byte
	EphemeralKey string
	EncType      channel.EncType
	NextNode     keys.Ed25519Pubkey
}

// RelayToServer: forward the whole outer plaintext to an external
// HTTP(S) server.
type RelayToServer struct {
	Payload  []byte
	Host     string
	Port     uint16
	Protocol string
	Target   string
}

type ErrorKind int

const (
	InvalidCiphertext ErrorKind = iota
	InvalidJSON
)

// ParseError: the layer could not be decrypted or classified.
type ParseError struct {
	Kind ErrorKind
}

func (Terminal) isParsed()      {}
func (RelayToNode) isParsed()   {}
func (RelayToServer) isParsed() {}
func (ParseError) isParsed()    {}

type innerFields map[string]json.RawMessage

func (f innerFields) str(key string) (string, bool, error) {
	raw, ok := f[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (f innerFields) boolean(key string, def bool) (bool, error) {
	raw, ok := f[key]
	if !ok {
		return def, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, err
	}
	return b, nil
}

// ProcessInner classifies one decrypted layer. The first matching rule
// wins: "headers" means we are the exit, "host" means an external
// server, anything else is a relay to the next snode. A buffer too short
// for its length prefix is ParseError{InvalidCiphertext}; every other
// parse failure collapses to ParseError{InvalidJSON}.
func ProcessInner(plaintext []byte) Parsed {
	p, err := ParseFrame(plaintext)
	if err != nil {
		return classifyFrameError(err)
	}
	return processPayload(p, plaintext)
}

func classifyFrameError(err error) ParseError {
	if errors.Is(err, ErrInvalidCiphertext) {
		return ParseError{Kind: InvalidCiphertext}
	}
	return ParseError{Kind: InvalidJSON}
}

func processPayload(p Payload, plaintext []byte) Parsed {
	var fields innerFields
	if err := json.Unmarshal(p.Inner, &fields); err != nil || fields == nil {
		return ParseError{Kind: InvalidJSON}
	}

	// Only the fields of the matched branch participate; stray keys in
	// the other branches are ignored, as the clients rely on.
	if _, ok := fields["headers"]; ok {
		return parseTerminal(fields, p.Ciphertext)
	}
	if _, ok := fields["host"]; ok {
		return parseRelayToServer(fields, plaintext)
	}
	return parseRelayToNode(fields, p.Ciphertext)
}

func parseTerminal(fields innerFields, ciphertext []byte) Parsed {
	t := Terminal{Body: ciphertext}
	var err error
	if t.WantJSON, err = fields.boolean("json", false); err != nil {
		return ParseError{Kind: InvalidJSON}
	}
	if t.WantBase64, err = fields.boolean("base64", false); err != nil {
		return ParseError{Kind: InvalidJSON}
	}
	return t
}

func parseRelayToServer(fields innerFields, plaintext []byte) Parsed {
	host, _, err := fields.str("host")
	if err != nil {
		return ParseError{Kind: InvalidJSON}
	}
	target, ok, err := fields.str("target")
	if err != nil || !ok {
		return ParseError{Kind: InvalidJSON}
	}
	r := RelayToServer{
		Payload:  plaintext,
		Host:     host,
		Port:     443,
		Protocol: "https",
		Target:   target,
	}
	if raw, ok := fields["port"]; ok {
		var port uint16
		if err := json.Unmarshal(raw, &port); err != nil {
			return ParseError{Kind: InvalidJSON}
		}
		r.Port = port
	}
	if proto, ok, err := fields.str("protocol"); err != nil {
		return ParseError{Kind: InvalidJSON}
	} else if ok {
		r.Protocol = proto
	}
	return r
}

func parseRelayToNode(fields innerFields, ciphertext []byte) Parsed {
	dest, ok, err := fields.str("destination")
	if err != nil || !ok {
		return ParseError{Kind: InvalidJSON}
	}
	ephem, ok, err := fields.str("ephemeral_key")
	if err != nil || !ok {
		return ParseError{Kind: InvalidJSON}
	}
	next, err := keys.Ed25519FromHex(dest)
	if err != nil {
		return ParseError{Kind: InvalidJSON}
	}
	r := RelayToNode{
		Ciphertext:   ciphertext,
		EphemeralKey: ephem,
		EncType:      channel.AESGCM,
		NextNode:     next,
	}
	if name, ok, err := fields.str("enc_type"); err != nil {
		return ParseError{Kind: InvalidJSON}
	} else if ok {
		t, err := channel.ParseEncType(name)
		if err != nil {
			return ParseError{Kind: InvalidJSON}
		}
		r.EncType = t
	}
	return r
}

// ProcessCiphertext decrypts one layer and classifies what is inside.
// Decryption failures collapse to ParseError{InvalidCiphertext}.
func ProcessCiphertext(c *channel.Cipher, ciphertext []byte, ephemKey keys.X25519Pubkey, encType channel.EncType) Parsed {
	plaintext, err := c.Decrypt(encType, ciphertext, ephemKey)
	if err != nil {
		return ParseError{Kind: InvalidCiphertext}
	}
	return ProcessInner(plaintext)
}
