package vector

import "time"

// Index is the interface for embedding storage and similarity search
// backends. The default implementation stores vectors in the same
// SQLite file as the document store and runs brute-force cosine
// search, which is fine for the small-to-moderate corpora this engine
// targets. An ANN-capable backend can replace it behind this interface
// without touching the memory facade.
type Index interface {
	// Insert adds one vector per record. Inserting an id that already
	// exists is an error.
	Insert(records []Record) error

	// Replace swaps the vector stored for id in one atomic step
	// (remove old, insert new).
	Replace(id string, embedding []float32) error

	// Delete removes the vector for id. Deleting an absent id is an
	// error so index drift never passes silently.
	Delete(id string) error

	// Search returns the top-K most similar entries by cosine
	// similarity, descending.
	Search(embedding []float32, topK int) ([]Scored, error)

	// IDs returns the ids of all stored vectors.
	IDs() ([]string, error)

	// Count returns the number of stored vectors.
	Count() (int, error)

	// Clear removes every vector.
	Clear() error
}

// Record is one entry in the vector index, keyed by document id.
type Record struct {
	ID        string
	Embedding []float32
	CreatedAt time.Time
}

// Scored is a search hit: a document id with its cosine similarity to
// the query vector.
type Scored struct {
	ID    string
	Score float32
}
