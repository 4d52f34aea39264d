package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"swarmnode/internal/auth"
	"swarmnode/internal/channel"
	"swarmnode/internal/config"
	"swarmnode/internal/handler"
	"swarmnode/internal/keys"
	"swarmnode/internal/onion"
	"swarmnode/internal/ratelimit"
	"swarmnode/internal/stats"
	"swarmnode/internal/worker"
)

// Server serves the client-facing API: onion requests, the storage RPC,
// the snode push endpoint and the stats snapshot. ListenAndServe speaks
// plain HTTP; no TLS certificate is loaded here.
type Server struct {
	log     *zap.Logger
	h       *handler.Handler
	pool    *worker.Pool
	limiter *ratelimit.Limiter
	stats   *stats.Stats
	limits  config.Limits

	statsKey string

	srv *http.Server
}

type Options struct {
	Handler  *handler.Handler
	Pool     *worker.Pool
	Limiter  *ratelimit.Limiter
	Stats    *stats.Stats
	Limits   config.Limits
	StatsKey string
}

func NewServer(opts Options, log *zap.Logger) *Server {
	s := &Server{
		log:      log,
		h:        opts.Handler,
		pool:     opts.Pool,
		limiter:  opts.Limiter,
		stats:    opts.Stats,
		limits:   opts.Limits,
		statsKey: opts.StatsKey,
	}
	r := mux.NewRouter()
	r.HandleFunc("/onion_req/v2", s.handleOnionReq).Methods(http.MethodPost)
	r.HandleFunc("/storage_rpc/v1", s.handleStorageRPC).Methods(http.MethodPost)
	r.HandleFunc("/swarms/push_batch/v1", s.handlePushBatch).Methods(http.MethodPost)
	r.HandleFunc("/get_stats/v1", s.handleGetStats).Methods(http.MethodGet)
	s.srv = &http.Server{
		Handler:           s.recoverer(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	s.log.Info("https api listening", zap.String("addr", addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// recoverer is the outermost request boundary: nothing escapes without
// a response, and panics become plain 500s.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.stats.IncErrors()
				s.log.Error("request panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// gate applies the shared client checks: IPv4 only, then the per-IP
// token bucket.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if !ratelimit.IsIPv4(ip) {
		http.Error(w, "ipv6 clients are not served", http.StatusForbidden)
		return false
	}
	if !s.limiter.AllowClient(ip) {
		s.stats.IncRateLimited()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.limits.MaxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "could not read request", http.StatusBadRequest)
		}
		return nil, false
	}
	return body, true
}

// run executes fn on the worker pool and waits for its response; a
// saturated pool turns into an immediate 503.
func (s *Server) run(w http.ResponseWriter, fn func() handler.Response) {
	done := make(chan handler.Response, 1)
	err := s.pool.Submit(func() { done <- fn() })
	if err != nil {
		if errors.Is(err, worker.ErrSaturated) {
			http.Error(w, "Service busy", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	writeResponse(w, <-done)
}

func writeResponse(w http.ResponseWriter, res handler.Response) {
	ct := res.ContentType
	if ct == "" {
		ct = handler.ContentPlain
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// onionReqMeta is the JSON half of the /onion_req/v2 envelope.
type onionReqMeta struct {
	EphemeralKey string  `json:"ephemeral_key"`
	EncType      *string `json:"enc_type"`
	HopNo        int     `json:"hop_no"`
}

func (s *Server) handleOnionReq(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	payload, err := onion.ParseFrame(body)
	if err != nil {
		http.Error(w, "Invalid ciphertext", http.StatusBadRequest)
		return
	}
	var meta onionReqMeta
	if err := json.Unmarshal(payload.Inner, &meta); err != nil {
		http.Error(w, "Invalid json", http.StatusBadRequest)
		return
	}
	ephKey, err := keys.X25519FromHex(meta.EphemeralKey)
	if err != nil {
		http.Error(w, "Missing or invalid ephemeral_key", http.StatusBadRequest)
		return
	}
	md := handler.OnionMetadata{EphemKey: ephKey, EncType: channel.AESGCM, HopNo: meta.HopNo}
	if meta.EncType != nil {
		t, err := channel.ParseEncType(*meta.EncType)
		if err != nil {
			http.Error(w, "Invalid enc_type", http.StatusBadRequest)
			return
		}
		md.EncType = t
	}

	ctx := r.Context()
	ciphertext := payload.Ciphertext
	s.run(w, func() handler.Response {
		return s.h.ProcessOnionRequest(ctx, ciphertext, md)
	})
}

func (s *Server) handleStorageRPC(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	s.run(w, func() handler.Response {
		return s.h.ProcessClientRequest(ctx, body)
	})
}

func (s *Server) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	sender := r.Header.Get(auth.SenderHeader)
	sig := r.Header.Get(auth.SignatureHeader)
	if sender == "" || sig == "" {
		http.Error(w, "Missing snode signature headers", http.StatusUnauthorized)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.h.VerifySnodeRequest(sender, sig, body); err != nil {
		s.log.Debug("rejected snode push", zap.String("sender", sender), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if pk, err := keys.Ed25519FromHex(sender); err == nil {
		if !s.limiter.AllowSnode(pk) {
			s.stats.IncRateLimited()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}
	s.run(w, func() handler.Response {
		return s.h.ProcessPushBatch(body)
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.statsKey != "" && r.Header.Get("X-Stats-Access") != s.statsKey {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	raw, err := json.Marshal(s.stats.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeResponse(w, handler.Response{Status: http.StatusOK, Body: raw, ContentType: handler.ContentJSON})
}
