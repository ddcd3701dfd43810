package replication

import (
	"bytes"
	"strings"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/objectstore/packstore"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/refspec"
	"github.com/radicle-go/ribc/urn"
)

// chunkSize bounds how much of an encoded pack NegotiatePack streams per
// wire message.
const chunkSize = 64 * 1024

// ServerPackBuilder answers a remote's NegotiatePack request: it resolves
// each spec's Src against the local refdb, the same glob-to-prefix match
// expandSpecs uses client-side, and packs every distinct object those refs
// point at. This is the serving half of the Fetching phase; Engine plays
// the requesting half.
type ServerPackBuilder struct {
	DB      refdb.DB
	Objects objectstore.Store
}

// BuildPack implements wireproto.PackBuilder.
func (b *ServerPackBuilder) BuildPack(ns urn.URN, specs []refspec.Spec) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)

		var objs [][]byte
		seen := make(map[string]bool)
		for _, s := range specs {
			srcNS, srcPat, err := splitAbsolute(s.Src)
			if err != nil {
				errc <- err
				return
			}
			prefix := strings.TrimSuffix(srcPat, "*")
			entries, err := b.DB.List(srcNS, prefix)
			if err != nil {
				errc <- err
				return
			}
			for _, e := range entries {
				if e.Target.Kind != refdb.Object {
					continue
				}
				key := e.Target.Object.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				data, err := b.Objects.Get(e.Target.Object)
				if err != nil {
					errc <- err
					return
				}
				objs = append(objs, data)
			}
		}

		var buf bytes.Buffer
		if err := packstore.EncodePack(&buf, objs); err != nil {
			errc <- err
			return
		}

		body := buf.Bytes()
		for len(body) > 0 {
			n := chunkSize
			if n > len(body) {
				n = len(body)
			}
			chunks <- append([]byte(nil), body[:n]...)
			body = body[n:]
		}
	}()

	return chunks, errc
}
