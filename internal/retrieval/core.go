// Package retrieval owns the searchable corpus of a process: an embedding
// index and its parallel citation store, mutated together under one lock.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/oops"

	"finsight-rag/internal/citation"
	"finsight-rag/internal/models"
	"finsight-rag/internal/vectorindex"
)

const defaultTopK = 5

// Embedder maps texts to fixed-length vectors, same length and order as the
// input. Implementations must be safe for concurrent use.
type Embedder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is one committed entry of the corpus.
type Record struct {
	Position int
	Vector   []float32
	Citation citation.Citation
}

// Journal mirrors committed records to durable storage. Truncate drops every
// record at position from or later.
type Journal interface {
	Append(ctx context.Context, records []Record) error
	Replay(ctx context.Context) ([]Record, error)
	Truncate(ctx context.Context, from int) error
}

// IngestResult reports how many chunks were indexed.
type IngestResult struct {
	Added         int `json:"added"`
	FirstPosition int `json:"first_position"`
}

// Hit is a ranked query result.
type Hit struct {
	citation.Citation
	Distance float64 `json:"distance"`
}

// Core is the shared retrieval service. Construct one per process (or per
// test) with New and pass it to handlers.
type Core struct {
	embedder Embedder
	journals []Journal
	topK     int

	mu        sync.RWMutex
	index     *vectorindex.Index
	citations *citation.Store
}

type Option func(*Core)

// WithJournal mirrors every committed ingest to j.
func WithJournal(j Journal) Option {
	return func(c *Core) {
		if j != nil {
			c.journals = append(c.journals, j)
		}
	}
}

// WithTopK sets the k used when Query is called with k <= 0.
func WithTopK(k int) Option {
	return func(c *Core) {
		if k > 0 {
			c.topK = k
		}
	}
}

func New(embedder Embedder, dimension int, opts ...Option) *Core {
	c := &Core{
		embedder:  embedder,
		topK:      defaultTopK,
		index:     vectorindex.New(dimension),
		citations: citation.NewStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Core) Dimension() int { return c.index.Dimension() }

// Len returns the number of indexed chunks.
func (c *Core) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibleLen()
}

// Filenames returns the distinct source files in ingest order.
func (c *Core) Filenames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.citations.Filenames()
}

// visibleLen must be called with mu held.
func (c *Core) visibleLen() int {
	return min(c.index.Len(), c.citations.Len())
}

// Ingest embeds the non-blank chunks as one batch and appends them to the
// index and citation store in a single critical section.
func (c *Core) Ingest(ctx context.Context, chunks []models.Chunk) (IngestResult, error) {
	kept := make([]models.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		text := strings.TrimSpace(ch.Content)
		if text == "" {
			continue
		}
		ch.Content = text
		kept = append(kept, ch)
	}
	if len(kept) == 0 {
		return IngestResult{}, nil
	}

	texts := make([]string, len(kept))
	cits := make([]citation.Citation, len(kept))
	for i, ch := range kept {
		texts[i] = ch.Content
		cits[i] = citation.Citation{
			Filename: ch.Filename,
			Page:     ch.PageNumber,
			ChunkID:  ch.ChunkID,
			Text:     ch.Content,
		}
	}

	if err := citation.ValidateAll(cits); err != nil {
		return IngestResult{}, invalidCitationError(err, kept)
	}

	// embedding is the slow part and runs outside the lock
	vectors, err := c.embedder.Encode(ctx, texts)
	if err != nil {
		return IngestResult{}, oops.
			Code(CodeEmbeddingFailure).
			With("chunks", len(texts), "filename", kept[0].Filename).
			Wrapf(fmt.Errorf("%w: %w", ErrEmbedding, err), "encoding chunks")
	}
	if len(vectors) != len(texts) {
		return IngestResult{}, oops.
			Code(CodeEmbeddingFailure).
			With("chunks", len(texts), "vectors", len(vectors)).
			Wrapf(ErrEmbedding, "embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	c.mu.Lock()
	start, err := c.index.Add(vectors)
	if err != nil {
		c.mu.Unlock()
		return IngestResult{}, dimensionError(err, kept)
	}
	if err := c.citations.Append(cits); err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Int("position", start).Msg("Citation store rejected a validated batch")
		return IngestResult{}, oops.Code(CodeIndexOutOfRange).With("position", start).
			Wrapf(fmt.Errorf("%w: %w", ErrIndexOutOfRange, err), "appending citations")
	}
	c.mu.Unlock()

	log.Debug().Int("added", len(kept)).Int("first_position", start).Msg("Ingested chunks")

	c.journal(ctx, start, vectors, cits)

	return IngestResult{Added: len(kept), FirstPosition: start}, nil
}

func (c *Core) journal(ctx context.Context, start int, vectors [][]float32, cits []citation.Citation) {
	if len(c.journals) == 0 {
		return
	}
	records := make([]Record, len(vectors))
	for i := range vectors {
		records[i] = Record{Position: start + i, Vector: vectors[i], Citation: cits[i]}
	}
	for _, j := range c.journals {
		if err := j.Append(ctx, records); err != nil {
			log.Warn().Err(err).Int("first_position", start).Int("records", len(records)).Msg("Journal append failed, in-memory index kept")
		}
	}
}

type queryOptions struct {
	requireNonEmpty bool
}

type QueryOption func(*queryOptions)

// RequireNonEmpty makes Query fail with ErrEmptyIndex instead of returning
// no hits when nothing has been indexed yet.
func RequireNonEmpty() QueryOption {
	return func(o *queryOptions) { o.requireNonEmpty = true }
}

// Query embeds question and returns up to k citations ranked by ascending
// distance. k <= 0 selects the configured default.
func (c *Core) Query(ctx context.Context, question string, k int, opts ...QueryOption) ([]Hit, error) {
	var qo queryOptions
	for _, opt := range opts {
		opt(&qo)
	}
	if strings.TrimSpace(question) == "" {
		return nil, oops.Code(CodeInvalidInput).Wrapf(ErrInvalidInput, "question is empty")
	}
	if k <= 0 {
		k = c.topK
	}

	// entries committed after this snapshot are not visible to this query
	c.mu.RLock()
	visible := c.visibleLen()
	c.mu.RUnlock()

	if visible == 0 {
		if qo.requireNonEmpty {
			return nil, oops.Code(CodeEmptyIndex).Wrapf(ErrEmptyIndex, "query on empty index")
		}
		return []Hit{}, nil
	}

	vectors, err := c.embedder.Encode(ctx, []string{question})
	if err != nil {
		return nil, oops.Code(CodeEmbeddingFailure).Wrapf(fmt.Errorf("%w: %w", ErrEmbedding, err), "encoding question")
	}
	if len(vectors) != 1 {
		return nil, oops.Code(CodeEmbeddingFailure).
			Wrapf(ErrEmbedding, "embedder returned %d vectors for 1 text", len(vectors))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	neighbors, err := c.index.SearchWithin(vectors[0], k, visible)
	if err != nil {
		if errors.Is(err, vectorindex.ErrDimensionMismatch) {
			return nil, oops.Code(CodeDimensionMismatch).
				With("want", c.index.Dimension(), "got", len(vectors[0])).
				Wrapf(err, "query embedding")
		}
		return nil, oops.Code(CodeInvalidInput).Wrapf(fmt.Errorf("%w: %w", ErrInvalidInput, err), "searching index")
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Position >= visible {
			continue
		}
		cit, err := c.citations.Lookup(n.Position)
		if err != nil {
			log.Error().Err(err).Int("position", n.Position).Int("visible", visible).Msg("Index and citation store out of alignment")
			return nil, oops.Code(CodeIndexOutOfRange).With("position", n.Position).Wrapf(err, "looking up citation")
		}
		hits = append(hits, Hit{Citation: cit, Distance: n.Distance})
	}
	return hits, nil
}

// Restore replays j into an empty core. Only the contiguous run of
// positions starting at 0 is loaded; a failed append leaves a gap, and
// everything after it is dropped from j and from the configured journals so
// new positions do not collide with stale records. Replayed records are not
// written back to any journal.
func (c *Core) Restore(ctx context.Context, j Journal) (int, error) {
	records, err := j.Replay(ctx)
	if err != nil {
		return 0, oops.Code(CodeJournalFailure).Wrapf(err, "replaying journal")
	}

	sort.SliceStable(records, func(a, b int) bool { return records[a].Position < records[b].Position })
	prefix := contiguousPrefix(records)
	if prefix < len(records) {
		log.Warn().Int("restored", prefix).Int("dropped", len(records)-prefix).
			Int("gap_at", prefix).Msg("Journal has a position gap, dropping records after it")
	}
	records = records[:prefix]

	vectors := make([][]float32, len(records))
	cits := make([]citation.Citation, len(records))
	for i, r := range records {
		vectors[i] = r.Vector
		cits[i] = r.Citation
	}
	if err := citation.ValidateAll(cits); err != nil {
		return 0, oops.Code(CodeInvalidCitation).Wrapf(err, "replaying journal")
	}

	c.mu.Lock()
	if c.index.Len() != 0 || c.citations.Len() != 0 {
		c.mu.Unlock()
		return 0, oops.Code(CodeInvalidInput).Wrapf(ErrInvalidInput, "restore requires an empty index")
	}
	if len(records) > 0 {
		if _, err := c.index.Add(vectors); err != nil {
			c.mu.Unlock()
			return 0, oops.Code(CodeDimensionMismatch).Wrapf(err, "replaying journal")
		}
		if err := c.citations.Append(cits); err != nil {
			c.mu.Unlock()
			return 0, oops.Code(CodeIndexOutOfRange).Wrapf(fmt.Errorf("%w: %w", ErrIndexOutOfRange, err), "replaying journal")
		}
	}
	c.mu.Unlock()

	if err := c.truncateJournals(ctx, j, prefix); err != nil {
		return prefix, err
	}
	return prefix, nil
}

// contiguousPrefix counts sorted records whose positions run 0, 1, 2, ...
// Duplicate positions end the run as well.
func contiguousPrefix(sorted []Record) int {
	for i, r := range sorted {
		if r.Position != i {
			return i
		}
	}
	return len(sorted)
}

func (c *Core) truncateJournals(ctx context.Context, source Journal, from int) error {
	journals := append([]Journal{source}, c.journals...)
	for i, jr := range journals {
		if i > 0 && jr == source {
			continue
		}
		if err := jr.Truncate(ctx, from); err != nil {
			return oops.Code(CodeJournalFailure).With("from", from).Wrapf(err, "truncating journal")
		}
	}
	return nil
}

func invalidCitationError(err error, chunks []models.Chunk) error {
	b := oops.Code(CodeInvalidCitation)
	var invalid *citation.InvalidError
	if errors.As(err, &invalid) && invalid.Offset < len(chunks) {
		ch := chunks[invalid.Offset]
		b = b.With("filename", ch.Filename, "page", ch.PageNumber, "chunk_id", ch.ChunkID)
	}
	return b.Wrapf(err, "validating chunks")
}

func dimensionError(err error, chunks []models.Chunk) error {
	b := oops.Code(CodeDimensionMismatch)
	var dimErr *vectorindex.DimensionError
	if errors.As(err, &dimErr) {
		b = b.With("want", dimErr.Want, "got", dimErr.Got)
		if dimErr.Offset >= 0 && dimErr.Offset < len(chunks) {
			ch := chunks[dimErr.Offset]
			b = b.With("filename", ch.Filename, "page", ch.PageNumber, "chunk_id", ch.ChunkID)
		}
	}
	return b.Wrapf(err, "adding vectors")
}
