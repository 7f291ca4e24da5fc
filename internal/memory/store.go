package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/vector"
)

// ErrIndexInconsistency signals that the document store and the vector
// index disagree about which ids exist.
var ErrIndexInconsistency = errors.New("document store and vector index are out of sync")

// Origin of a search result.
const (
	OriginVector = "vector"
	OriginText   = "text"
)

const (
	defaultTopK            = 5
	defaultSimilarityFloor = 0.35
)

// Result is one search hit. Score is cosine similarity for vector hits
// and zero for text hits backfilled from the full-text index.
type Result struct {
	storage.Document
	Score  float32
	Origin string
}

// Input describes a document to be stored: its text plus optional
// metadata produced by intent extraction.
type Input struct {
	Content      string
	Entities     []string
	ProblemClass string
	Source       string
}

// Store is the dual-index memory facade. Every document lives in two
// places: a SQLite row (with an FTS5 shadow) and an entry in the vector
// index, keyed by the same id. All mutations go through this type so
// the two indexes stay consistent; reads of single documents bypass the
// lock since SQLite serializes them anyway.
type Store struct {
	mu       sync.Mutex
	store    *storage.Store
	index    vector.Index
	embedder Embedder

	topK            int
	similarityFloor float32
}

// Option configures a Store.
type Option func(*Store)

// WithTopK sets the default result count for Search.
func WithTopK(k int) Option {
	return func(s *Store) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithSimilarityFloor sets the minimum cosine similarity for a vector
// hit to appear in Search results.
func WithSimilarityFloor(f float32) Option {
	return func(s *Store) { s.similarityFloor = f }
}

// New builds a memory store over an opened document store and vector
// index sharing the same database.
func New(store *storage.Store, index vector.Index, embedder Embedder, opts ...Option) *Store {
	s := &Store{
		store:           store,
		index:           index,
		embedder:        embedder,
		topK:            defaultTopK,
		similarityFloor: defaultSimilarityFloor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add embeds the content and stores it in both indexes, returning the
// stored document. The document row is committed first; if the vector
// insert then fails, the row is deleted so the operation is all or
// nothing.
func (s *Store) Add(ctx context.Context, in Input) (storage.Document, error) {
	if in.Content == "" {
		return storage.Document{}, errors.New("empty content")
	}

	embedding, err := s.embedder.Embed(ctx, in.Content)
	if err != nil {
		return storage.Document{}, fmt.Errorf("embedding content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	doc := storage.Document{
		ID:           uuid.NewString(),
		Content:      in.Content,
		Entities:     in.Entities,
		ProblemClass: in.ProblemClass,
		Source:       in.Source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if doc.Source == "" {
		doc.Source = "synthesized"
	}

	if err := s.store.InsertDocument(doc); err != nil {
		return storage.Document{}, fmt.Errorf("inserting document: %w", err)
	}

	if err := s.index.Insert([]vector.Record{{ID: doc.ID, Embedding: embedding, CreatedAt: now}}); err != nil {
		// Roll the row back so a failed add leaves no trace.
		if delErr := s.store.DeleteDocument(doc.ID); delErr != nil {
			return storage.Document{}, fmt.Errorf("indexing vector: %w (rollback also failed: %v)", err, delErr)
		}
		return storage.Document{}, fmt.Errorf("indexing vector: %w", err)
	}

	return doc, nil
}

// AddBatch stores many documents at once, embedding them concurrently.
// Document rows are written in one transaction; if the subsequent
// vector insert fails, the rows are deleted.
func (s *Store) AddBatch(ctx context.Context, inputs []Input) ([]storage.Document, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(inputs))
	for i, in := range inputs {
		if in.Content == "" {
			return nil, fmt.Errorf("empty content at index %d", i)
		}
		texts[i] = in.Content
	}

	embeddings, err := embedBatch(ctx, s.embedder, texts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	docs := make([]storage.Document, len(inputs))
	records := make([]vector.Record, len(inputs))
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		source := in.Source
		if source == "" {
			source = "synthesized"
		}
		docs[i] = storage.Document{
			ID:           uuid.NewString(),
			Content:      in.Content,
			Entities:     in.Entities,
			ProblemClass: in.ProblemClass,
			Source:       source,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		records[i] = vector.Record{ID: docs[i].ID, Embedding: embeddings[i], CreatedAt: now}
		ids[i] = docs[i].ID
	}

	if err := s.store.InsertDocuments(docs); err != nil {
		return nil, fmt.Errorf("inserting documents: %w", err)
	}

	if err := s.index.Insert(records); err != nil {
		if delErr := s.store.DeleteDocuments(ids); delErr != nil {
			return nil, fmt.Errorf("indexing vectors: %w (rollback also failed: %v)", err, delErr)
		}
		return nil, fmt.Errorf("indexing vectors: %w", err)
	}

	return docs, nil
}

// Search runs hybrid retrieval: vector similarity first, then a
// full-text pass to fill remaining slots. Vector hits below the
// similarity floor are dropped. Text hits that duplicate a vector hit
// are skipped, so a document appears at most once and keeps its vector
// rank. topK <= 0 uses the configured default.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = s.topK
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := s.index.Search(embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	seen := make(map[string]bool, topK)
	results := make([]Result, 0, topK)
	for _, hit := range scored {
		if hit.Score < s.similarityFloor {
			continue
		}
		doc, err := s.store.GetDocument(hit.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Vector without a row: drift, skip rather than fail the search.
				continue
			}
			return nil, err
		}
		seen[hit.ID] = true
		results = append(results, Result{Document: doc, Score: hit.Score, Origin: OriginVector})
	}

	if len(results) < topK {
		textDocs, err := s.store.SearchText(query, topK)
		if err != nil {
			return nil, err
		}
		for _, doc := range textDocs {
			if len(results) >= topK {
				break
			}
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			results = append(results, Result{Document: doc, Origin: OriginText})
		}
	}

	return results, nil
}

// FindSimilar returns documents whose embedding similarity to text is
// at or above threshold, best first. Used by the consolidation worker
// to gather update candidates; unlike Search it never falls back to
// full-text matching.
func (s *Store) FindSimilar(ctx context.Context, text string, threshold float32, topK int) ([]Result, error) {
	if text == "" || topK <= 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}

	scored, err := s.index.Search(embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var results []Result
	for _, hit := range scored {
		if hit.Score < threshold {
			continue
		}
		doc, err := s.store.GetDocument(hit.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, Result{Document: doc, Score: hit.Score, Origin: OriginVector})
	}
	return results, nil
}

// Update replaces a document's content and metadata, re-embedding the
// new content. The embedding is computed before anything is written; if
// the vector replacement fails after the row update, the old row is
// restored. Returns storage.ErrNotFound for an unknown id.
func (s *Store) Update(ctx context.Context, id, content string, entities []string, problemClass string) (storage.Document, error) {
	if content == "" {
		return storage.Document{}, errors.New("empty content")
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return storage.Document{}, fmt.Errorf("embedding content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.store.GetDocument(id)
	if err != nil {
		return storage.Document{}, err
	}

	if err := s.store.UpdateDocument(id, content, entities, problemClass); err != nil {
		return storage.Document{}, fmt.Errorf("updating document: %w", err)
	}

	if err := s.index.Replace(id, embedding); err != nil {
		if restoreErr := s.store.RestoreDocument(old); restoreErr != nil {
			return storage.Document{}, fmt.Errorf("replacing vector: %w (restore also failed: %v)", err, restoreErr)
		}
		return storage.Document{}, fmt.Errorf("replacing vector: %w", err)
	}

	return s.store.GetDocument(id)
}

// Get returns a single document by id, or storage.ErrNotFound.
func (s *Store) Get(id string) (storage.Document, error) {
	return s.store.GetDocument(id)
}

// List returns documents newest first.
func (s *Store) List(limit, offset int) ([]storage.Document, error) {
	return s.store.ListDocuments(limit, offset)
}

// All returns every stored document, newest first.
func (s *Store) All() ([]storage.Document, error) {
	return s.store.AllDocuments()
}

// Count returns the number of stored documents.
func (s *Store) Count() (int, error) {
	return s.store.CountDocuments()
}

// Delete removes a document from both indexes. The row goes first; a
// missing vector afterwards is reported but the document stays gone.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteDocument(id); err != nil {
		return err
	}
	if err := s.index.Delete(id); err != nil {
		return fmt.Errorf("document %s removed but vector cleanup failed: %w", id, err)
	}
	return nil
}

// Clear removes all documents and vectors.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearDocuments(); err != nil {
		return err
	}
	return s.index.Clear()
}

// CheckConsistency compares the id sets of the two indexes and returns
// the ids present on one side only. A non-empty result comes with
// ErrIndexInconsistency.
func (s *Store) CheckConsistency() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docIDs, err := s.store.DocumentIDs()
	if err != nil {
		return nil, err
	}
	vecIDs, err := s.index.IDs()
	if err != nil {
		return nil, err
	}

	docSet := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		docSet[id] = true
	}
	vecSet := make(map[string]bool, len(vecIDs))
	for _, id := range vecIDs {
		vecSet[id] = true
	}

	var drifted []string
	for _, id := range docIDs {
		if !vecSet[id] {
			drifted = append(drifted, id)
		}
	}
	for _, id := range vecIDs {
		if !docSet[id] {
			drifted = append(drifted, id)
		}
	}

	if len(drifted) > 0 {
		return drifted, ErrIndexInconsistency
	}
	return nil, nil
}

// FindByContent returns the id of a document whose content matches the
// given text exactly, or storage.ErrNotFound.
func (s *Store) FindByContent(content string) (string, error) {
	return s.store.FindDocumentByContent(content)
}
