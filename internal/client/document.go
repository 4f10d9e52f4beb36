package client

// ExportMode selects what a Document serializes.
type ExportMode string

const (
	// ExportModeUpdate exports the incremental changes pending since the
	// previous update export.
	ExportModeUpdate ExportMode = "update"
	// ExportModeSnapshot exports the full document state.
	ExportModeSnapshot ExportMode = "snapshot"
)

// Document is the CRDT handle the sync service replicates. Imports must be
// idempotent and commutative; the sync layer never deduplicates payloads.
type Document interface {
	Export(mode ExportMode) ([]byte, error)
	Import(data []byte) error
	Version() ([]byte, error)
}

// IDProvider issues client and update identifiers.
type IDProvider interface {
	NewID() (string, error)
}
