package domain

// Chunk is one slice of a document's OCR text, sized for the NLP services.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
}

// Mention is one raw entity reference found in a chunk by the extractor.
type Mention struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Text       string `json:"text"`
	Label      string `json:"label"` // e.g. PERSON, ORG, COURT, DATE
	Offset     int    `json:"offset"`
}

// CanonicalEntity is a deduplicated real-world entity one or more mentions
// resolve to.
type CanonicalEntity struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	MentionIDs []string `json:"mention_ids,omitempty"`
}

// Relationship is one directed edge between two canonical entities.
// The baseline builder emits untyped pairwise "co_occurs" edges; a semantic
// relater collaborator may emit typed ones (e.g. "represents", "filed_by").
type Relationship struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}
