package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"swarmnode/internal/auth"
	"swarmnode/internal/bus"
	"swarmnode/internal/channel"
	"swarmnode/internal/config"
	"swarmnode/internal/keys"
	"swarmnode/internal/snode"
	"swarmnode/internal/stats"
	"swarmnode/internal/store"
)

const (
	ContentPlain = "text/plain"
	ContentJSON  = "application/json"
)

// Response is what every request path produces; the transport layers
// (HTTPS and the peer bus) render it onto their wire.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

func plain(status int, body string) Response {
	return Response{Status: status, Body: []byte(body), ContentType: ContentPlain}
}

func jsonResponse(status int, body []byte) Response {
	return Response{Status: status, Body: body, ContentType: ContentJSON}
}

// PeerClient is the node-to-node transport used for onion relays.
type PeerClient interface {
	Request(ctx context.Context, peer snode.NodeRecord, m bus.Message) ([][]byte, error)
}

// Handler executes client RPC and onion dispatch against the current
// network snapshot.
type Handler struct {
	log     *zap.Logger
	cipher  *channel.Cipher
	tracker *snode.Tracker
	msgs    *store.Store
	stats   *stats.Stats
	signer  *auth.Signer
	peers   PeerClient
	web     *http.Client
	limits  config.Limits

	selfEd     keys.Ed25519Pubkey
	forceStart bool
}

type Options struct {
	Cipher  *channel.Cipher
	Tracker *snode.Tracker
	Store   *store.Store
	Stats   *stats.Stats
	Signer  *auth.Signer
	Peers   PeerClient
	Web     *http.Client
	Limits  config.Limits

	ForceStart bool
}

func New(opts Options, log *zap.Logger) *Handler {
	web := opts.Web
	if web == nil {
		web = &http.Client{}
	}
	return &Handler{
		log:        log,
		cipher:     opts.Cipher,
		tracker:    opts.Tracker,
		msgs:       opts.Store,
		stats:      opts.Stats,
		signer:     opts.Signer,
		peers:      opts.Peers,
		web:        web,
		limits:     opts.Limits,
		selfEd:     opts.Signer.Pubkey(),
		forceStart: opts.ForceStart,
	}
}

// VerifySnodeRequest authenticates a snode-to-snode request: the sender
// header names the signing pubkey, the signature header carries the
// base64 Ed25519 signature over SHA-512 of the body. Unknown senders
// and bad signatures both fail with their own error so the transport
// can log them apart; either way the caller returns 401.
func (h *Handler) VerifySnodeRequest(senderHex, sigB64 string, body []byte) error {
	pk, err := keys.Ed25519FromHex(senderHex)
	if err != nil {
		return auth.ErrUnknownSigner
	}
	if _, ok := h.tracker.View().FindNodeByEd25519(pk); !ok {
		return auth.ErrUnknownSigner
	}
	return auth.Verify(sigB64, body, pk)
}

// CertSignature is the attestation header value for our TLS cert.
func (h *Handler) CertSignature(certPEM []byte) string {
	return h.signer.SignCert(certPEM)
}
