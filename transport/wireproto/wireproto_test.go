package wireproto

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/refdb/memrefdb"
	"github.com/radicle-go/ribc/refspec"
	"github.com/radicle-go/ribc/urn"
)

func dialTestServer(t *testing.T, srv *Server) (*Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gsrv := grpc.NewServer()
	RegisterServer(gsrv, srv)
	go func() { _ = gsrv.Serve(lis) }()

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	return NewClient(cc), func() {
		cc.Close()
		gsrv.Stop()
	}
}

func testNS(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New("identity-v1", []byte(t.Name()), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

func testObj(t *testing.T, seed string) urn.URN {
	t.Helper()
	u, err := urn.New("object-v1", []byte(seed), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

func TestAdvertiseReturnsStoredRefs(t *testing.T) {
	db := memrefdb.New()
	ns := testNS(t)
	obj := testObj(t, "obj")
	if _, err := db.Update(ns, "heads/main", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	client, closeFn := dialTestServer(t, &Server{DB: db})
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	refs, err := client.Advertise(ctx, ns)
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	if len(refs) != 1 || refs[0].Path != "heads/main" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestFetchSignedRefsReturnsManifestBlobs(t *testing.T) {
	db := memrefdb.New()
	ns := testNS(t)

	var seenPeer urn.PeerID
	srv := &Server{
		DB: db,
		ManifestRead: func(gotNS urn.URN, peer urn.PeerID) ([]byte, error) {
			seenPeer = peer
			if !gotNS.Equal(ns) {
				t.Fatalf("unexpected namespace %s", gotNS)
			}
			return []byte("manifest-blob"), nil
		},
	}
	client, closeFn := dialTestServer(t, srv)
	defer closeFn()

	peer := urn.PeerID{Key: []byte("0123456789abcdef0123456789abcdef")[:32]}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	manifests, err := client.FetchSignedRefs(ctx, ns, []urn.PeerID{peer})
	if err != nil {
		t.Fatalf("FetchSignedRefs: %v", err)
	}
	if string(manifests[peer.String()]) != "manifest-blob" {
		t.Fatalf("unexpected manifest blob: %q", manifests[peer.String()])
	}
	if !seenPeer.Equal(peer) {
		t.Fatalf("server did not see expected peer")
	}
}

type fakePackBuilder struct {
	chunks [][]byte
}

func (b *fakePackBuilder) BuildPack(ns urn.URN, specs []refspec.Spec) (<-chan []byte, <-chan error) {
	ch := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(ch)
		for _, c := range b.chunks {
			ch <- c
		}
		errs <- nil
	}()
	return ch, errs
}

func TestNegotiatePackStreamsChunksInOrder(t *testing.T) {
	db := memrefdb.New()
	ns := testNS(t)
	builder := &fakePackBuilder{chunks: [][]byte{[]byte("chunk-1"), []byte("chunk-2"), []byte("chunk-3")}}

	client, closeFn := dialTestServer(t, &Server{DB: db, PackBuilder: builder})
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chunks, errs := client.NegotiatePack(ctx, ns, nil)

	var got [][]byte
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("NegotiatePack: %v", err)
	}
	if len(got) != len(builder.chunks) {
		t.Fatalf("expected %d chunks, got %d", len(builder.chunks), len(got))
	}
	for i, c := range got {
		if string(c) != string(builder.chunks[i]) {
			t.Fatalf("chunk %d mismatch: got %q want %q", i, c, builder.chunks[i])
		}
	}
}
