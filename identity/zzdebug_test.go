package identity

import (
	"fmt"
	"testing"
)

func TestDebugRoundtrip(t *testing.T) {
	d := Document{
		SchemaVersion: CurrentSchemaVersion,
		Payload: map[string]any{
			"name": "alice/project",
		},
		Quorum: DefaultQuorumRule,
	}
	canon, err := Canonicalize(d)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Printf("canon: %x\n", canon)
	parsed, err := Parse(canon)
	fmt.Println("parse err:", err, parsed)
}
