package quicconn

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/radicle-go/ribc/urn"
)

var errPayloadMismatch = errors.New("quicconn test: payload mismatch")

func genKey(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	return priv, pub
}

func TestDialListenRoundTripAuthenticatesPeer(t *testing.T) {
	serverPriv, serverPub := genKey(t)
	clientPriv, clientPub := genKey(t)

	lis, err := Listen("127.0.0.1:0", serverPriv, serverPub)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lis.Close()

	serverPeer := urn.PeerID{Key: serverPub}
	clientPeer := urn.PeerID{Key: clientPub}

	accepted := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srvStream, err := lis.Accept(ctx)
		if err != nil {
			accepted <- err
			return
		}
		defer srvStream.Close()
		if !srvStream.RemotePeer().Equal(clientPeer) {
			accepted <- ErrPeerMismatch
			return
		}
		buf := make([]byte, 5)
		if _, err := srvStream.Read(buf); err != nil {
			accepted <- err
			return
		}
		if string(buf) != "hello" {
			accepted <- errPayloadMismatch
			return
		}
		accepted <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cliStream, err := Dial(ctx, lis.Addr(), clientPriv, clientPub, serverPeer)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cliStream.Close()
	if !cliStream.RemotePeer().Equal(serverPeer) {
		t.Fatalf("client did not authenticate server peer")
	}
	if _, err := cliStream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := <-accepted; err != nil {
		t.Fatalf("server side: %v", err)
	}
}



func TestDialRejectsUnexpectedPeer(t *testing.T) {
	serverPriv, serverPub := genKey(t)
	clientPriv, clientPub := genKey(t)
	_, wrongPub := genKey(t)

	lis, err := Listen("127.0.0.1:0", serverPriv, serverPub)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lis.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = lis.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, lis.Addr(), clientPriv, clientPub, urn.PeerID{Key: wrongPub})
	if err == nil {
		t.Fatalf("expected Dial to reject a server presenting an unexpected key")
	}
}
