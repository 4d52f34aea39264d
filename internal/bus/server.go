package bus

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const alpnProto = "snode-bus"

// Handler serves one inbound bus message and returns the reply parts.
// remote is the peer's address, for logging and rate limiting.
type Handler func(ctx context.Context, m Message, remote string) [][]byte

// Server is the node-to-node message bus: length-prefixed multi-part
// messages over TCP, with an optional QUIC listener speaking the same
// protocol per stream.
type Server struct {
	handler Handler
	log     *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	tcp      net.Listener
	quicL    *quic.Listener
	closed   bool
	handlers sync.WaitGroup
}

func NewServer(handler Handler, timeout time.Duration, log *zap.Logger) *Server {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Server{handler: handler, log: log, timeout: timeout}
}

// ListenTCP starts accepting bus connections on addr.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bus listen: %w", err)
	}
	s.mu.Lock()
	s.tcp = ln
	s.mu.Unlock()
	s.log.Info("bus listening", zap.String("addr", ln.Addr().String()))

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !s.isClosed() {
					s.log.Warn("bus accept error", zap.Error(err))
				}
				return
			}
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				s.serveConn(conn)
			}()
		}
	}()
	return nil
}

// ListenQUIC serves the same bus protocol over QUIC, one message
// exchange per stream.
func (s *Server) ListenQUIC(addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("bus quic listen: %w", err)
	}
	s.mu.Lock()
	s.quicL = ln
	s.mu.Unlock()
	s.log.Info("bus quic listening", zap.String("addr", addr))

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				if !s.isClosed() {
					s.log.Warn("bus quic accept error", zap.Error(err))
				}
				return
			}
			go s.serveQUICConn(conn)
		}
	}()
	return nil
}

func (s *Server) serveQUICConn(conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer stream.Close()
			s.serveStream(stream, remote)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	s.serveStream(conn, conn.RemoteAddr().String())
}

type stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

func (s *Server) serveStream(rw stream, remote string) {
	msg, err := ReadMessage(rw)
	if err != nil {
		s.log.Debug("bad bus message", zap.String("remote", remote), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	parts := s.safeHandle(ctx, msg, remote)
	if parts == nil {
		return
	}
	if err := WriteMessage(rw, Message{Parts: parts}); err != nil {
		s.log.Debug("bus reply write failed", zap.String("remote", remote), zap.Error(err))
	}
}

// safeHandle keeps a panicking handler from taking the listener down;
// the peer gets a 500-shaped reply instead of silence.
func (s *Server) safeHandle(ctx context.Context, msg Message, remote string) (parts [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bus handler panic", zap.Any("panic", r))
			parts = [][]byte{[]byte("500"), []byte("internal error")}
		}
	}()
	return s.handler(ctx, msg, remote)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listeners and waits out in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	tcp, quicL := s.tcp, s.quicL
	s.mu.Unlock()

	var err error
	if tcp != nil {
		err = tcp.Close()
	}
	if quicL != nil {
		if qerr := quicL.Close(); err == nil {
			err = qerr
		}
	}
	s.handlers.Wait()
	return err
}

// Addr returns the TCP listener address, once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr().String()
}

// The bus runs between nodes that authenticate each other at the
// request layer; transport TLS for the QUIC variant is a self-signed
// per-process certificate.
func serverTLSConfig() (*tls.Config, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"snode"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

var errNoEndpoint = errors.New("peer has no bus endpoint")
