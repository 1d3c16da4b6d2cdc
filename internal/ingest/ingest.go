package ingest

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"finsight-rag/internal/embedding"
	"finsight-rag/internal/models"
	"finsight-rag/internal/parser"
	"finsight-rag/internal/retrieval"
)

// Pipeline parses a file, optionally situates each chunk, and ingests the
// chunks into the shared core as one batch.
type Pipeline struct {
	parser         *parser.ParserConfig
	core           *retrieval.Core
	contextualizer *embedding.Contextualizer
}

type Option func(*Pipeline)

// WithContextualizer enables contextual enrichment before embedding.
func WithContextualizer(c *embedding.Contextualizer) Option {
	return func(p *Pipeline) { p.contextualizer = c }
}

func NewPipeline(p *parser.ParserConfig, core *retrieval.Core, opts ...Option) *Pipeline {
	pl := &Pipeline{parser: p, core: core}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

// Result describes one ingested file.
type Result struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
	retrieval.IngestResult
}

// File ingests the file at path, citing it by its base name.
func (p *Pipeline) File(ctx context.Context, path string) (Result, error) {
	return p.FileAs(ctx, path, filepath.Base(path))
}

// FileAs ingests the file at path, citing it as filename.
func (p *Pipeline) FileAs(ctx context.Context, path, filename string) (Result, error) {
	chunks, err := p.Parse(path, filename)
	if err != nil {
		return Result{Filename: filename}, err
	}
	chunks = p.enrich(ctx, chunks)

	res, err := p.core.Ingest(ctx, chunks)
	if err != nil {
		return Result{Filename: filename, Chunks: len(chunks)}, err
	}
	log.Info().Str("filename", filename).Int("chunks", len(chunks)).Int("added", res.Added).
		Int("first_position", res.FirstPosition).Msg("Ingested document")
	return Result{Filename: filename, Chunks: len(chunks), IngestResult: res}, nil
}

// Parse runs only the chunker, for dry runs.
func (p *Pipeline) Parse(path, filename string) ([]models.Chunk, error) {
	return p.parser.Parse(path, filename)
}

func (p *Pipeline) enrich(ctx context.Context, chunks []models.Chunk) []models.Chunk {
	if p.contextualizer == nil || len(chunks) == 0 {
		return chunks
	}
	return p.contextualizer.Contextualize(ctx, Document(chunks), chunks)
}

// Document rebuilds the full text from chunks in page order.
func Document(chunks []models.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		parts = append(parts, ch.Content)
	}
	return strings.Join(parts, "\n\n")
}
