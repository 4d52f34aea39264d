package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"swarmnode/internal/keys"
	"swarmnode/internal/snode"
	"swarmnode/internal/store"
)

const (
	maxTTL         = 14 * 24 * time.Hour
	minTTL         = 10 * time.Second
	clockTolerance = 10 * time.Second
)

type clientRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ProcessClientRequest is the local RPC entry point: the body of a
// /storage_rpc/v1 call, or the decrypted payload of an onion exit.
func (h *Handler) ProcessClientRequest(ctx context.Context, body []byte) Response {
	var req clientRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return plain(http.StatusBadRequest, "invalid json")
	}
	if req.Method == "" {
		return plain(http.StatusBadRequest, "invalid json: no `method` field")
	}
	var params map[string]json.RawMessage
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return plain(http.StatusBadRequest, "invalid json: bad `params` field")
		}
	}

	switch req.Method {
	case "store":
		h.stats.IncStore()
		return h.handleStore(params)
	case "retrieve":
		h.stats.IncRetrieve()
		return h.handleRetrieve(params)
	case "get_snodes_for_pubkey":
		return h.handleSnodesForPubkey(params)
	case "info":
		return h.handleInfo()
	}
	return plain(http.StatusBadRequest, fmt.Sprintf("no method %s", req.Method))
}

func paramString(params map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (h *Handler) handleStore(params map[string]json.RawMessage) Response {
	fields := map[string]string{}
	for _, f := range []string{"pubKey", "ttl", "timestamp", "data"} {
		v, ok := paramString(params, f)
		if !ok {
			return plain(http.StatusBadRequest,
				fmt.Sprintf("invalid json: no `%s` field", f))
		}
		fields[f] = v
	}

	pk, err := keys.UserPubkeyFromHex(fields["pubKey"])
	if err != nil {
		return plain(http.StatusBadRequest,
			fmt.Sprintf("Pubkey must be %d characters long", keys.UserPubkeyHexSize))
	}

	if len(fields["data"]) > h.limits.MaxMessageBody {
		return plain(http.StatusBadRequest,
			fmt.Sprintf("Message body exceeds maximum allowed length of %d", h.limits.MaxMessageBody))
	}

	view := h.tracker.View()
	if !view.IsPubkeyForUs(pk) {
		return h.wrongSwarm(view, pk)
	}

	ttl, err := parseTTL(fields["ttl"])
	if err != nil {
		return plain(http.StatusForbidden, "Provided TTL is not valid")
	}
	timestamp, err := parseTimestamp(fields["timestamp"], ttl)
	if err != nil {
		return plain(http.StatusNotAcceptable, "Timestamp error: check your clock")
	}

	msg := store.Message{
		PubKey:    pk.Hex(),
		Data:      fields["data"],
		TTL:       ttl,
		Timestamp: timestamp,
		Hash:      store.ComputeHash(fields["timestamp"], fields["ttl"], pk.Hex(), fields["data"]),
	}
	if err := h.msgs.Save(msg); err != nil {
		h.stats.IncErrors()
		h.log.Error("could not store message",
			zap.String("pubkey", obfuscate(pk.Hex())), zap.Error(err))
		return plain(http.StatusInternalServerError, err.Error())
	}

	h.log.Debug("stored message", zap.String("pubkey", obfuscate(pk.Hex())))
	// Modern clients ignore difficulty; keep it for the old ones.
	return jsonResponse(http.StatusOK, []byte(`{"difficulty":1}`))
}

func (h *Handler) handleRetrieve(params map[string]json.RawMessage) Response {
	pubKey, ok := paramString(params, "pubKey")
	if !ok {
		return plain(http.StatusBadRequest, "invalid json: no `pubKey` field")
	}
	lastHash, ok := paramString(params, "lastHash")
	if !ok {
		return plain(http.StatusBadRequest, "invalid json: no `lastHash` field")
	}

	pk, err := keys.UserPubkeyFromHex(pubKey)
	if err != nil {
		return plain(http.StatusBadRequest,
			fmt.Sprintf("Pubkey must be %d characters long", keys.UserPubkeyHexSize))
	}

	view := h.tracker.View()
	if !view.IsPubkeyForUs(pk) {
		return h.wrongSwarm(view, pk)
	}

	items, err := h.msgs.Retrieve(pk.Hex(), lastHash)
	if err != nil {
		h.stats.IncErrors()
		h.log.Error("could not retrieve messages",
			zap.String("pubkey", obfuscate(pk.Hex())), zap.Error(err))
		return plain(http.StatusInternalServerError, "could not retrieve messages")
	}

	type messageJSON struct {
		Hash       string `json:"hash"`
		Expiration uint64 `json:"expiration"`
		Data       string `json:"data"`
	}
	messages := make([]messageJSON, 0, len(items))
	for _, m := range items {
		messages = append(messages, messageJSON{
			Hash:       m.Hash,
			Expiration: m.Expiration(),
			Data:       m.Data,
		})
	}
	raw, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return plain(http.StatusInternalServerError, err.Error())
	}
	return jsonResponse(http.StatusOK, raw)
}

func (h *Handler) handleSnodesForPubkey(params map[string]json.RawMessage) Response {
	pubKey, ok := paramString(params, "pubKey")
	if !ok {
		return plain(http.StatusBadRequest, "invalid json: no `pubKey` field")
	}
	pk, err := keys.UserPubkeyFromHex(pubKey)
	if err != nil {
		return plain(http.StatusBadRequest,
			fmt.Sprintf("Pubkey must be %d characters long", keys.UserPubkeyHexSize))
	}
	nodes := h.tracker.View().SwarmNodesForPubkey(pk)
	return jsonResponse(http.StatusOK, snodesToJSON(nodes))
}

func (h *Handler) handleInfo() Response {
	view := h.tracker.View()
	raw, _ := json.Marshal(map[string]any{
		"version":      "2.0.0",
		"swarm_id":     view.OurSwarmID.String(),
		"active":       view.OurSwarmID != snode.InvalidSwarmID,
		"swarm_peers":  len(view.SwarmPeers),
		"known_swarms": len(view.AllSwarms),
	})
	return jsonResponse(http.StatusOK, raw)
}

// wrongSwarm redirects a misdirected client to the members of the
// swarm actually responsible for its pubkey.
func (h *Handler) wrongSwarm(view *snode.Snapshot, pk keys.UserPubkey) Response {
	h.log.Debug("client request to the wrong swarm", zap.String("pubkey", obfuscate(pk.Hex())))
	nodes := view.SwarmNodesForPubkey(pk)
	return jsonResponse(http.StatusMisdirectedRequest, snodesToJSON(nodes))
}

type snodeJSON struct {
	Address       string `json:"address"`
	PubkeyLegacy  string `json:"pubkey_legacy"`
	PubkeyX25519  string `json:"pubkey_x25519"`
	PubkeyEd25519 string `json:"pubkey_ed25519"`
	Port          string `json:"port"`
	IP            string `json:"ip"`
}

func snodesToJSON(nodes []snode.NodeRecord) []byte {
	out := make([]snodeJSON, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, snodeJSON{
			// Deprecated alias of pubkey_legacy kept for old clients.
			Address:       n.PubkeyLegacy.SnodeAddress(),
			PubkeyLegacy:  n.PubkeyLegacy.Hex(),
			PubkeyX25519:  n.PubkeyX25519.Hex(),
			PubkeyEd25519: n.PubkeyEd25519.Hex(),
			Port:          strconv.Itoa(int(n.Port)),
			IP:            n.IP,
		})
	}
	raw, _ := json.Marshal(map[string]any{"snodes": out})
	return raw
}

func obfuscate(pk string) string {
	if len(pk) < 6 {
		return pk
	}
	return pk[:2] + "..." + pk[len(pk)-3:]
}

func parseTTL(s string) (uint64, error) {
	ttl, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if ttl < uint64(minTTL.Milliseconds()) || ttl > uint64(maxTTL.Milliseconds()) {
		return 0, fmt.Errorf("ttl %d out of range", ttl)
	}
	return ttl, nil
}

func parseTimestamp(s string, ttl uint64) (uint64, error) {
	ts, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	now := uint64(time.Now().UnixMilli())
	tolerance := uint64(clockTolerance.Milliseconds())
	if ts > now+tolerance {
		return 0, fmt.Errorf("timestamp %d is in the future", ts)
	}
	if ts+ttl < now {
		return 0, fmt.Errorf("message expired on arrival")
	}
	return ts, nil
}
