package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	quic "github.com/quic-go/quic-go"

	"swarmnode/internal/snode"
)

// Endpoint renders a node's bus endpoint the way peers advertise it.
func Endpoint(n snode.NodeRecord) string {
	return fmt.Sprintf("tcp://%s:%d", n.IP, n.LMQPort)
}

// Client performs one-shot request/reply exchanges against peer nodes.
type Client struct {
	// UseQUIC switches the transport; both ends must agree.
	UseQUIC bool
}

// Request sends m to the peer and waits for the reply parts. The
// context deadline covers dialing, writing and the reply.
func (c *Client) Request(ctx context.Context, peer snode.NodeRecord, m Message) ([][]byte, error) {
	if peer.IP == "" || peer.IP == "0.0.0.0" || peer.LMQPort == 0 {
		return nil, errNoEndpoint
	}
	addr := net.JoinHostPort(peer.IP, fmt.Sprint(peer.LMQPort))
	if c.UseQUIC {
		return c.requestQUIC(ctx, addr, m)
	}
	return c.requestTCP(ctx, addr, m)
}

func (c *Client) requestTCP(ctx context.Context, addr string, m Message) ([][]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := WriteMessage(conn, m); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	return reply.Parts, nil
}

func (c *Client) requestQUIC(ctx context.Context, addr string, m Message) ([][]byte, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // authenticated at the request layer
		NextProtos:         []string{alpnProto},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "")
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer str.Close()
	if err := WriteMessage(str, m); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(str)
	if err != nil {
		return nil, err
	}
	return reply.Parts, nil
}
