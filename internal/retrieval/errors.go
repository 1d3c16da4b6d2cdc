package retrieval

import (
	"errors"
	"fmt"

	"github.com/samber/oops"

	"finsight-rag/internal/citation"
	"finsight-rag/internal/vectorindex"
)

// Sentinel errors for core operations, matchable with errors.Is.
var (
	// ErrDimensionMismatch indicates an embedding did not have the configured
	// dimension. The index is left unchanged.
	ErrDimensionMismatch = vectorindex.ErrDimensionMismatch

	// ErrEmbedding indicates the embedder failed. It is never retried here.
	ErrEmbedding = errors.New("retrieval: embedding failed")

	// ErrInvalidCitation indicates malformed provenance on an ingested chunk.
	ErrInvalidCitation = citation.ErrInvalidCitation

	// ErrIndexOutOfRange indicates the index and citation store disagree.
	// It is an invariant violation, not a recoverable condition.
	ErrIndexOutOfRange = citation.ErrIndexOutOfRange

	// ErrEmptyIndex is returned by Query only under RequireNonEmpty.
	ErrEmptyIndex = errors.New("retrieval: index is empty")

	// ErrInvalidInput indicates bad caller arguments such as a blank question.
	ErrInvalidInput = errors.New("retrieval: invalid input")
)

// Machine-readable codes attached to core errors.
const (
	CodeDimensionMismatch = "retrieval.dimension_mismatch"
	CodeEmbeddingFailure  = "retrieval.embedding.failure"
	CodeInvalidCitation   = "retrieval.citation.invalid"
	CodeIndexOutOfRange   = "retrieval.alignment.out_of_range"
	CodeEmptyIndex        = "retrieval.query.empty_index"
	CodeInvalidInput      = "retrieval.invalid_input"
	CodeJournalFailure    = "retrieval.journal.failure"
)

// CodeOf returns the code attached to err, or "" when err carries none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code, ok := oopsErr.Code().(string); ok {
		return code
	}
	return fmt.Sprintf("%v", oopsErr.Code())
}

// FieldsOf returns the structured context attached to err, such as the
// filename and page of the chunk that failed.
func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}
