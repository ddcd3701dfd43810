package memrefdb

import (
	"testing"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/refdb/refdbtest"
)

func TestConformance(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.DB { return New() })
}
