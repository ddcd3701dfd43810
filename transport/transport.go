// Package transport defines the connection abstraction the replication
// engine drives: an authenticated byte stream to one peer. Stream adds no
// length-delimited framing of its own. Concrete transports (quicconn) and the RPC layer built on top of
// them (wireproto) live in subpackages so this package stays free of any
// one wire protocol's dependencies.
package transport

import (
	"context"
	"io"

	"github.com/radicle-go/ribc/urn"
)

// Stream is one authenticated, bidirectional connection to a peer.
type Stream interface {
	io.ReadWriteCloser

	// RemotePeer is the peer identity established during the transport
	// handshake, available before any application bytes are exchanged.
	RemotePeer() urn.PeerID
}

// Dialer opens a Stream to a peer at addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Listener accepts incoming Streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
	Addr() string
}
