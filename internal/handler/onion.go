package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"swarmnode/internal/bus"
	"swarmnode/internal/channel"
	"swarmnode/internal/keys"
	"swarmnode/internal/onion"
)

// OnionMetadata travels alongside the ciphertext on every hop.
type OnionMetadata struct {
	EphemKey keys.X25519Pubkey
	EncType  channel.EncType
	HopNo    int
}

// ProcessOnionRequest decrypts one onion layer and executes whatever it
// asks for: serve locally, relay to a peer snode, or relay to an
// external server. The returned response is final; callbacks upstream
// fire exactly once.
func (h *Handler) ProcessOnionRequest(ctx context.Context, ciphertext []byte, md OnionMetadata) Response {
	h.stats.IncOnionProcessed()

	if !h.tracker.Active() && !h.forceStart {
		return plain(http.StatusServiceUnavailable,
			fmt.Sprintf("Snode not ready: %s", h.selfEd.Hex()))
	}

	switch v := onion.ProcessCiphertext(h.cipher, ciphertext, md.EphemKey, md.EncType).(type) {
	case onion.Terminal:
		h.log.Debug("onion request terminates here", zap.Int("hop", md.HopNo))
		res := h.ProcessClientRequest(ctx, v.Body)
		return h.wrapResponse(res, md, v.WantJSON, v.WantBase64)

	case onion.RelayToNode:
		h.stats.IncOnionRelayed()
		return h.relayToNode(ctx, v, md)

	case onion.RelayToServer:
		return h.relayToServer(ctx, v, md)

	case onion.ParseError:
		h.stats.IncErrors()
		if v.Kind == onion.InvalidCiphertext {
			// The immediate caller sees this unwrapped; we could not
			// even establish a channel to encrypt an answer on.
			return plain(http.StatusBadRequest, "Invalid ciphertext")
		}
		return h.wrapResponse(plain(http.StatusBadRequest, "Invalid json"), md, false, false)
	}

	return plain(http.StatusInternalServerError, "unreachable")
}

// wrapResponse seals an answer for the client that built the onion:
// JSON {status, body}, encrypted for the request's ephemeral key, then
// base64 for the trip back through intermediate hops.
func (h *Handler) wrapResponse(res Response, md OnionMetadata, wantJSON, wantB64 bool) Response {
	payload := map[string]any{"status": res.Status}
	switch {
	case wantJSON && json.Valid(res.Body):
		payload["body"] = json.RawMessage(res.Body)
	case wantB64:
		payload["body"] = base64.StdEncoding.EncodeToString(res.Body)
	default:
		payload["body"] = string(res.Body)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.stats.IncErrors()
		return plain(http.StatusInternalServerError, err.Error())
	}
	sealed, err := h.cipher.Encrypt(md.EncType, raw, md.EphemKey)
	if err != nil {
		h.stats.IncErrors()
		h.log.Warn("failed to encrypt onion response", zap.Error(err))
		return plain(http.StatusInternalServerError, "could not encrypt response")
	}
	return jsonResponse(http.StatusOK, []byte(base64.StdEncoding.EncodeToString(sealed)))
}

func (h *Handler) relayToNode(ctx context.Context, info onion.RelayToNode, md OnionMetadata) Response {
	if info.NextNode == h.selfEd {
		// Clients never build such a hop on purpose; reject the loop.
		return plain(http.StatusBadRequest, "Invalid destination: cannot relay to self")
	}

	dest, ok := h.tracker.View().FindNodeByEd25519(info.NextNode)
	if !ok {
		msg := fmt.Sprintf("Next node not found: %s", info.NextNode.Hex())
		h.log.Warn(msg)
		return plain(http.StatusBadGateway, msg)
	}

	ephRaw, err := hex.DecodeString(info.EphemeralKey)
	if err != nil || len(ephRaw) != keys.PubkeySize {
		return h.wrapResponse(plain(http.StatusBadRequest, "Invalid json"), md, false, false)
	}

	ctx, cancel := context.WithTimeout(ctx, h.limits.SessionTimeout)
	defer cancel()

	h.log.Debug("relaying onion request",
		zap.String("next", dest.PubkeyLegacy.Hex()),
		zap.Int("hop", md.HopNo))

	parts, err := h.peers.Request(ctx, dest, bus.Message{
		Cmd: bus.CmdOnionRequest,
		Parts: [][]byte{
			ephRaw,
			info.Ciphertext,
			[]byte(info.EncType.String()),
			[]byte(strconv.Itoa(md.HopNo + 1)),
		},
	})
	if err != nil {
		h.stats.IncErrors()
		h.log.Debug("onion relay failed", zap.Error(err))
		return plain(http.StatusGatewayTimeout, "Request time out")
	}
	// Two parts expected; extras tolerated for forwards compatibility.
	if len(parts) < 2 {
		h.stats.IncErrors()
		return plain(http.StatusInternalServerError, "Invalid response from snode")
	}
	status := http.StatusInternalServerError
	if code, err := strconv.Atoi(string(parts[0])); err == nil {
		status = code
	}
	if status != http.StatusOK {
		h.log.Debug("onion relay returned error",
			zap.Int("status", status), zap.ByteString("body", parts[1]))
	}
	return jsonResponse(status, parts[1])
}

func (h *Handler) relayToServer(ctx context.Context, info onion.RelayToServer, md OnionMetadata) Response {
	if !isServerURLAllowed(info.Target) {
		return h.wrapResponse(plain(http.StatusBadRequest, "Invalid url"), md, false, false)
	}
	h.stats.IncProxyRelayed()

	ctx, cancel := context.WithTimeout(ctx, h.limits.SessionTimeout)
	defer cancel()

	url := fmt.Sprintf("%s://%s:%d%s", info.Protocol, info.Host, info.Port, info.Target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(info.Payload))
	if err != nil {
		return h.wrapResponse(plain(http.StatusBadRequest, "Invalid url"), md, false, false)
	}

	resp, err := h.web.Do(req)
	if err != nil {
		h.stats.IncErrors()
		if errors.Is(err, context.DeadlineExceeded) {
			return plain(http.StatusGatewayTimeout, "Request time out")
		}
		h.log.Debug("server relay failed", zap.String("url", url), zap.Error(err))
		return plain(http.StatusBadGateway, "Server relay error")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.limits.MaxRequestBody))
	if err != nil {
		h.stats.IncErrors()
		return plain(http.StatusBadGateway, "Server relay error")
	}
	// The exit already wrapped its answer; pass it through untouched.
	return Response{Status: resp.StatusCode, Body: body, ContentType: resp.Header.Get("Content-Type")}
}
