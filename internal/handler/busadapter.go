package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"swarmnode/internal/bus"
	"swarmnode/internal/channel"
	"swarmnode/internal/keys"
	"swarmnode/internal/ratelimit"
)

// BusHandler adapts the handler onto the peer bus. Replies are always
// the two-part [status_ascii, body] sequence.
func (h *Handler) BusHandler(limiter *ratelimit.Limiter) bus.Handler {
	return func(ctx context.Context, m bus.Message, remote string) [][]byte {
		if limiter != nil {
			host, _, err := net.SplitHostPort(remote)
			if err != nil {
				host = remote
			}
			if !limiter.AllowClient(host) {
				h.stats.IncRateLimited()
				return reply(plain(http.StatusTooManyRequests, "Too many requests"))
			}
		}

		switch m.Cmd {
		case bus.CmdOnionRequest:
			return reply(h.busOnionRequest(ctx, m))
		case bus.CmdPushBatch:
			if len(m.Parts) != 1 {
				return reply(plain(http.StatusBadRequest, "Incorrect number of messages"))
			}
			return reply(h.ProcessPushBatch(m.Parts[0]))
		}
		h.log.Debug("unknown bus command", zap.String("cmd", m.Cmd))
		return reply(plain(http.StatusBadRequest, "unknown command"))
	}
}

func (h *Handler) busOnionRequest(ctx context.Context, m bus.Message) Response {
	if len(m.Parts) < 2 {
		return plain(http.StatusBadRequest, "Incorrect number of messages")
	}
	ephKey, err := keys.X25519FromBytes(m.Parts[0])
	if err != nil {
		return plain(http.StatusBadRequest, "Invalid ephemeral key")
	}
	md := OnionMetadata{EphemKey: ephKey, EncType: channel.AESGCM}
	if len(m.Parts) >= 3 {
		if t, err := channel.ParseEncType(string(m.Parts[2])); err == nil {
			md.EncType = t
		} else {
			return plain(http.StatusBadRequest, "Invalid encryption type")
		}
	}
	if len(m.Parts) >= 4 {
		if hop, err := strconv.Atoi(string(m.Parts[3])); err == nil && hop >= 0 {
			md.HopNo = hop
		}
	}
	return h.ProcessOnionRequest(ctx, m.Parts[1], md)
}

func reply(res Response) [][]byte {
	return [][]byte{[]byte(strconv.Itoa(res.Status)), res.Body}
}
