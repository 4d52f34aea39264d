package bus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMsgSize bounds one bus message; the file relay path needs room.
const MaxMsgSize = 10 * 1024 * 1024

// CmdOnionRequest carries [ephemeral_key_raw, ciphertext, enc_type,
// hop_no]; the reply is [status_code_ascii, body].
const CmdOnionRequest = "sn.onion_req"

// CmdPushBatch carries a serialized message batch between swarm
// members; the reply is [status_code_ascii, body].
const CmdPushBatch = "sn.data"

// Message is one multi-part bus message. Replies travel as a Message
// with an empty Cmd.
type Message struct {
	Cmd   string
	Parts [][]byte
}

// Wire layout, everything big-endian:
// | u32: total | u8: len(cmd) | cmd | u8: nparts | { u32: len | part }* |
func encodeMessage(m Message) ([]byte, error) {
	if len(m.Cmd) > 0xff {
		return nil, fmt.Errorf("command name too long")
	}
	if len(m.Parts) > 0xff {
		return nil, fmt.Errorf("too many message parts")
	}
	total := 1 + len(m.Cmd) + 1
	for _, p := range m.Parts {
		total += 4 + len(p)
	}
	if total > MaxMsgSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", total)
	}
	out := make([]byte, 4, 4+total)
	binary.BigEndian.PutUint32(out[:4], uint32(total))
	out = append(out, byte(len(m.Cmd)))
	out = append(out, m.Cmd...)
	out = append(out, byte(len(m.Parts)))
	for _, p := range m.Parts {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out, nil
}

func decodeMessage(body []byte) (Message, error) {
	var m Message
	if len(body) < 2 {
		return m, fmt.Errorf("truncated bus message")
	}
	cmdLen := int(body[0])
	body = body[1:]
	if len(body) < cmdLen+1 {
		return m, fmt.Errorf("truncated command name")
	}
	m.Cmd = string(body[:cmdLen])
	nparts := int(body[cmdLen])
	body = body[cmdLen+1:]
	m.Parts = make([][]byte, 0, nparts)
	for i := 0; i < nparts; i++ {
		if len(body) < 4 {
			return m, fmt.Errorf("truncated part header")
		}
		n := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint64(len(body)) < uint64(n) {
			return m, fmt.Errorf("truncated part body")
		}
		m.Parts = append(m.Parts, body[:n])
		body = body[n:]
	}
	if len(body) != 0 {
		return m, fmt.Errorf("trailing bytes after last part")
	}
	return m, nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := encodeMessage(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxMsgSize {
		return Message{}, fmt.Errorf("invalid bus frame size %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return decodeMessage(body)
}
