package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"swarmnode/internal/store"
)

// ProcessPushBatch ingests a batch of messages pushed by a swarm peer,
// typically after our old swarm dissolved into this one.
func (h *Handler) ProcessPushBatch(body []byte) Response {
	var msgs []store.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return plain(http.StatusBadRequest, "invalid batch")
	}
	saved := 0
	for _, m := range msgs {
		if m.PubKey == "" || m.Hash == "" {
			continue
		}
		if err := h.msgs.Save(m); err != nil {
			h.stats.IncErrors()
			h.log.Warn("failed to store pushed message", zap.Error(err))
			continue
		}
		saved++
	}
	h.log.Debug("processed push batch", zap.Int("received", len(msgs)), zap.Int("saved", saved))
	return plain(http.StatusOK, "")
}

// SerializeBatch renders messages for a CmdPushBatch part.
func SerializeBatch(msgs []store.Message) ([]byte, error) {
	return json.Marshal(msgs)
}
