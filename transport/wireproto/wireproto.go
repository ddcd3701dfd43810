// Package wireproto is the replication RPC layer dialed over a
// quicconn-backed grpc.ClientConn: Advertise, FetchSignedRefs, and
// NegotiatePack. Like the teacher's storage/grpccas, the service
// descriptor is hand-written against protobuf well-known wrapper types
// so no protoc/codegen step is required; domain payloads (ref lists,
// manifests, refspecs) are JSON-encoded into the wrapper's bytes field
// rather than given dedicated generated message types, the same
// "intentionally use wrapperspb" tradeoff grpccas documents for its
// CAS service.
package wireproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/refspec"
	"github.com/radicle-go/ribc/urn"
)

const serviceName = "ribc.replication.v1.Replication"

// AdvertiseRequest names the namespace a client wants the remote's owned
// refs for.
type AdvertiseRequest struct {
	Namespace string `json:"namespace"`
}

// AdvertiseReply carries the remote's refs in ns plus the rad/ids/*
// symrefs naming its certifiers.
type AdvertiseReply struct {
	Refs []refdb.Entry `json:"refs"`
}

// SignedRefsRequest names the peers (by PeerID text form) whose
// rad/signed_refs manifest the client wants.
type SignedRefsRequest struct {
	Namespace string   `json:"namespace"`
	Peers     []string `json:"peers"`
}

// SignedRefsReply carries one raw manifest blob per requested peer,
// keyed by PeerID text form; the caller parses each with
// signedrefs.UnmarshalManifest and verifies it.
type SignedRefsReply struct {
	Manifests map[string][]byte `json:"manifests"`
}

// NegotiatePackRequest carries the refspec plan a client wants packed.
type NegotiatePackRequest struct {
	Namespace string         `json:"namespace"`
	Specs     []refspec.Spec `json:"specs"`
}

func encode(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(b), nil
}

func decode(in *wrapperspb.BytesValue, v any) error {
	return json.Unmarshal(in.GetValue(), v)
}

// Server is the Replication service's implementation, backed by a local
// refdb/objectstore/signedrefs stack.
type Server struct {
	DB           refdb.DB
	PackBuilder  PackBuilder
	ManifestRead func(ns urn.URN, peer urn.PeerID) ([]byte, error)
}

// PackBuilder produces a packfile covering the objects a refspec plan
// would fetch, chunked for streaming.
type PackBuilder interface {
	BuildPack(ns urn.URN, specs []refspec.Spec) (<-chan []byte, <-chan error)
}

func (s *Server) advertise(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	_ = ctx
	var req AdvertiseRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ns, err := urn.Parse(req.Namespace)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	entries, err := s.DB.List(ns, "")
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(AdvertiseReply{Refs: entries})
}

func (s *Server) fetchSignedRefs(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	_ = ctx
	var req SignedRefsRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ns, err := urn.Parse(req.Namespace)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reply := SignedRefsReply{Manifests: make(map[string][]byte, len(req.Peers))}
	for _, peerStr := range req.Peers {
		peer, err := urn.ParsePeerID(peerStr)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		blob, err := s.ManifestRead(ns, peer)
		if err != nil {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		reply.Manifests[peerStr] = blob
	}
	return encode(reply)
}

func (s *Server) negotiatePack(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	var req NegotiatePackRequest
	if err := decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ns, err := urn.Parse(req.Namespace)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	chunks, errs := s.PackBuilder.BuildPack(ns, req.Specs)
	for chunk := range chunks {
		if err := stream.SendMsg(wrapperspb.Bytes(chunk)); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

func _Replication_Advertise_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).advertise(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Advertise"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).advertise(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Replication_FetchSignedRefs_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).fetchSignedRefs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchSignedRefs"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).fetchSignedRefs(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Replication_NegotiatePack_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).negotiatePack(in, stream)
}

// ServiceDesc is the grpc.ServiceDesc for the Replication service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Advertise", Handler: _Replication_Advertise_Handler},
		{MethodName: "FetchSignedRefs", Handler: _Replication_FetchSignedRefs_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "NegotiatePack", Handler: _Replication_NegotiatePack_Handler, ServerStreams: true},
	},
	Metadata: "wireproto.replication.v1",
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is the Replication service's client API.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established grpc.ClientConn.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Advertise fetches ns's owned refs from the remote.
func (c *Client) Advertise(ctx context.Context, ns urn.URN) ([]refdb.Entry, error) {
	in, err := encode(AdvertiseRequest{Namespace: ns.String()})
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Advertise", in, out); err != nil {
		return nil, err
	}
	var reply AdvertiseReply
	if err := decode(out, &reply); err != nil {
		return nil, err
	}
	return reply.Refs, nil
}

// FetchSignedRefs fetches the raw signed-refs manifest blobs for peers in
// ns, keyed by PeerID text form.
func (c *Client) FetchSignedRefs(ctx context.Context, ns urn.URN, peers []urn.PeerID) (map[string][]byte, error) {
	peerStrs := make([]string, len(peers))
	for i, p := range peers {
		peerStrs[i] = p.String()
	}
	in, err := encode(SignedRefsRequest{Namespace: ns.String(), Peers: peerStrs})
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/FetchSignedRefs", in, out); err != nil {
		return nil, err
	}
	var reply SignedRefsReply
	if err := decode(out, &reply); err != nil {
		return nil, err
	}
	return reply.Manifests, nil
}

// packStream adapts a grpc.ClientStream of wrapperspb.BytesValue chunks
// into a plain byte channel for NegotiatePack's caller.
type packStream struct {
	grpc.ClientStream
}

// NegotiatePack streams the packfile covering specs back from the
// remote, one chunk at a time.
func (c *Client) NegotiatePack(ctx context.Context, ns urn.URN, specs []refspec.Spec) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		in, err := encode(NegotiatePackRequest{Namespace: ns.String(), Specs: specs})
		if err != nil {
			errs <- err
			return
		}
		desc := &ServiceDesc.Streams[0]
		cs, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/NegotiatePack")
		if err != nil {
			errs <- err
			return
		}
		if err := cs.SendMsg(in); err != nil {
			errs <- err
			return
		}
		if err := cs.CloseSend(); err != nil {
			errs <- err
			return
		}
		ps := &packStream{cs}
		for {
			msg := new(wrapperspb.BytesValue)
			if err := ps.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) {
					errs <- nil
					return
				}
				errs <- fmt.Errorf("wireproto: negotiate pack stream: %w", err)
				return
			}
			chunks <- msg.GetValue()
		}
	}()

	return chunks, errs
}
