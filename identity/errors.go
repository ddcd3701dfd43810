package identity

import "errors"

// ErrMalformed is returned for bytes that do not decode as a well-formed,
// canonical document or revision.
var ErrMalformed = errors.New("identity: malformed document")

// ErrUnknownVersion is returned when a document's SchemaVersion exceeds
// CurrentSchemaVersion. The document is still carried opaquely rather than
// rejected outright.
var ErrUnknownVersion = errors.New("identity: unknown schema version")
