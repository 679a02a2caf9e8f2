package model

import "time"

// Document is the extracted-text unit for one source file, owned by the
// tenant's knowledge store. Re-ingesting the same source creates a new
// version rather than editing in place; de-duplication policy belongs to
// the caller.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Text      string    `json:"text"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkKind is the structural unit a chunk was cut from.
type ChunkKind string

// Chunk kinds preserved by the structure-aware chunker.
const (
	ChunkParagraph ChunkKind = "paragraph"
	ChunkTable     ChunkKind = "table"
	ChunkList      ChunkKind = "list"
	ChunkHeading   ChunkKind = "heading"
)

// Chunk is a bounded, structure-preserving substring of a Document with its
// position and structural metadata. Chunks are never mutated after creation.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Index        int       `json:"index"`
	Offset       int       `json:"offset"`
	Kind         ChunkKind `json:"kind"`
	Text         string    `json:"text"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Embedding is a fixed-dimension vector owned by exactly one Chunk.
type Embedding struct {
	ChunkID string    `json:"chunk_id"`
	Vector  []float32 `json:"vector"`
}
