package quicconn

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"github.com/radicle-go/ribc/urn"
)

// addr is the net.Addr quicconn reports for both ends of a Conn: the
// substrate here is a direct QUIC dial/listen pair, not a resolvable
// socket address pool, so the string form is all callers ever need.
type addr string

func (a addr) Network() string { return "quic" }
func (a addr) String() string  { return string(a) }

// deadlineSetter is satisfied by quic.Stream implementations that expose
// per-stream deadlines; quicconn degrades to a no-op when the pinned
// quic-go Stream type underneath doesn't.
type deadlineSetter interface {
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Conn adapts a *stream to net.Conn, the shape grpc.WithContextDialer and
// grpc.Server.Serve both require — gRPC is dialed over quicconn per spec
// §6's transport contract, and net.Conn is the seam grpc's transport
// layer is written against.
type Conn struct {
	*stream
	localAddr string
}

func (c *Conn) LocalAddr() net.Addr  { return addr(c.localAddr) }
func (c *Conn) RemoteAddr() net.Addr { return addr(c.remote.String()) }

func (c *Conn) SetDeadline(t time.Time) error {
	if ds, ok := any(c.str).(deadlineSetter); ok {
		return ds.SetDeadline(t)
	}
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if ds, ok := any(c.str).(deadlineSetter); ok {
		return ds.SetReadDeadline(t)
	}
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if ds, ok := any(c.str).(deadlineSetter); ok {
		return ds.SetWriteDeadline(t)
	}
	return nil
}

// DialConn is Dial wrapped as a net.Conn, for use as a
// grpc.WithContextDialer target.
func DialConn(ctx context.Context, addrStr string, signer ed25519.PrivateKey, pub ed25519.PublicKey, expected urn.PeerID) (net.Conn, error) {
	s, err := Dial(ctx, addrStr, signer, pub, expected)
	if err != nil {
		return nil, err
	}
	return &Conn{stream: s, localAddr: addrStr}, nil
}

// netListener adapts a *listener to net.Listener so grpc.NewServer can
// Serve it directly.
type netListener struct {
	*listener
}

// AsNetListener wraps l for use with (*grpc.Server).Serve.
func AsNetListener(l *listener) net.Listener { return netListener{l} }

func (n netListener) Accept() (net.Conn, error) {
	s, err := n.listener.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	return &Conn{stream: s, localAddr: n.listener.addr}, nil
}

func (n netListener) Addr() net.Addr { return addr(n.listener.addr) }
