package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight-rag/internal/citation"
	"finsight-rag/internal/models"
)

// fakeEmbedder returns fixed vectors per text and counts calls.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   atomic.Int32
}

func newFakeEmbedder(vectors map[string][]float32) *fakeEmbedder {
	return &fakeEmbedder{vectors: vectors}
}

func (f *fakeEmbedder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

// memJournal keeps appended records in memory. failures makes that many
// appends fail before it starts accepting records.
type memJournal struct {
	mu       sync.Mutex
	records  []Record
	err      error
	failures int
}

func (m *memJournal) Append(_ context.Context, records []Record) error {
	if m.err != nil {
		return m.err
	}
	if m.failures > 0 {
		m.failures--
		return errors.New("write timeout")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memJournal) Replay(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memJournal) Truncate(_ context.Context, from int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.Position < from {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *memJournal) positions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.records))
	for i, r := range m.records {
		out[i] = r.Position
	}
	return out
}

func chunk(text, filename string, page int) models.Chunk {
	return models.Chunk{Content: text, Filename: filename, PageNumber: page}
}

func TestCore_ReportScenario(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder(map[string][]float32{
		"Q1 revenue up 10%": {1, 0, 0},
		"Cash flow steady":  {0, 1, 0},
		"revenue?":          {1, 0, 0},
	})
	core := New(emb, 3)

	res, err := core.Ingest(ctx, []models.Chunk{
		chunk("Q1 revenue up 10%", "rpt.pdf", 1),
		chunk("Cash flow steady", "rpt.pdf", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, int(emb.calls.Load()), "chunks are embedded as one batch")

	hits, err := core.Query(ctx, "revenue?", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rpt.pdf", hits[0].Filename)
	assert.Equal(t, 1, hits[0].Page)
	assert.Equal(t, 0.0, hits[0].Distance)
}

func TestCore_OrderPreservation(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder(map[string][]float32{
		"c1": {0, 0},
		"c2": {5, 5},
		"c3": {1, 1},
		"q":  {5, 5},
	})
	core := New(emb, 2)
	_, err := core.Ingest(ctx, []models.Chunk{chunk("c1", "a.pdf", 1), chunk("c2", "a.pdf", 2), chunk("c3", "a.pdf", 3)})
	require.NoError(t, err)

	hits, err := core.Query(ctx, "q", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 2, hits[0].Page)
	assert.Equal(t, 0.0, hits[0].Distance)
	assert.Equal(t, 3, hits[1].Page)
	assert.Equal(t, 1, hits[2].Page)
}

func TestCore_FiltersBlankChunks(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder(map[string][]float32{"kept": {1}})
	core := New(emb, 1)

	res, err := core.Ingest(ctx, []models.Chunk{
		chunk("   ", "a.pdf", 1),
		chunk("  kept \n", "a.pdf", 2),
		chunk("", "a.pdf", 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, core.Len())

	res, err = core.Ingest(ctx, []models.Chunk{chunk("\t", "a.pdf", 4)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 1, int(emb.calls.Load()), "an all-blank batch never reaches the embedder")
}

func TestCore_EmptyQuery(t *testing.T) {
	ctx := context.Background()
	core := New(newFakeEmbedder(nil), 4)

	for _, k := range []int{1, 5, 100} {
		hits, err := core.Query(ctx, "anything", k)
		require.NoError(t, err)
		assert.Empty(t, hits)
	}

	_, err := core.Query(ctx, "anything", 5, RequireNonEmpty())
	assert.ErrorIs(t, err, ErrEmptyIndex)
	assert.Equal(t, CodeEmptyIndex, CodeOf(err))
}

func TestCore_BlankQuestion(t *testing.T) {
	_, err := New(newFakeEmbedder(nil), 2).Query(context.Background(), "  ", 5)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCore_DefaultK(t *testing.T) {
	ctx := context.Background()
	vectors := map[string][]float32{"q": {0}}
	var chunks []models.Chunk
	for i := 0; i < 8; i++ {
		text := fmt.Sprintf("c%d", i)
		vectors[text] = []float32{float32(i)}
		chunks = append(chunks, chunk(text, "a.pdf", i+1))
	}
	core := New(newFakeEmbedder(vectors), 1, WithTopK(3))
	_, err := core.Ingest(ctx, chunks)
	require.NoError(t, err)

	hits, err := core.Query(ctx, "q", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = core.Query(ctx, "q", 100)
	require.NoError(t, err)
	assert.Len(t, hits, 8)
}

func TestCore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder(map[string][]float32{
		"ok":  {1, 2, 3},
		"bad": {1, 2},
	})
	core := New(emb, 3)
	_, err := core.Ingest(ctx, []models.Chunk{chunk("ok", "a.pdf", 1)})
	require.NoError(t, err)

	_, err = core.Ingest(ctx, []models.Chunk{chunk("ok", "b.pdf", 1), chunk("bad", "b.pdf", 7)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, CodeDimensionMismatch, CodeOf(err))

	fields := FieldsOf(err)
	assert.Equal(t, "b.pdf", fields["filename"])
	assert.Equal(t, 7, fields["page"])

	assert.Equal(t, 1, core.Len())
	assert.Equal(t, []string{"a.pdf"}, core.Filenames())
}

func TestCore_InvalidCitationRejectsBatch(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder(map[string][]float32{"a": {1}, "b": {2}})
	core := New(emb, 1)

	_, err := core.Ingest(ctx, []models.Chunk{chunk("a", "x.pdf", 1), chunk("b", "x.pdf", 0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCitation)
	assert.Equal(t, 0, FieldsOf(err)["page"])
	assert.Equal(t, 0, core.Len())
	assert.Equal(t, 0, int(emb.calls.Load()), "validation happens before embedding")
}

func TestCore_EmbeddingErrorPropagates(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("token limit exceeded")
	emb := newFakeEmbedder(nil)
	emb.err = cause
	core := New(emb, 2)

	_, err := core.Ingest(ctx, []models.Chunk{chunk("text", "a.pdf", 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, int(emb.calls.Load()), "no automatic retry")
	assert.Equal(t, 0, core.Len())
}

func TestCore_AlignmentAcrossIngests(t *testing.T) {
	ctx := context.Background()
	vectors := map[string][]float32{}
	core := New(newFakeEmbedder(vectors), 1)

	for batch := 0; batch < 5; batch++ {
		var chunks []models.Chunk
		for i := 0; i <= batch; i++ {
			text := fmt.Sprintf("b%d-%d", batch, i)
			vectors[text] = []float32{float32(batch*10 + i)}
			chunks = append(chunks, chunk(text, "a.pdf", i+1))
		}
		_, err := core.Ingest(ctx, chunks)
		require.NoError(t, err)

		core.mu.RLock()
		assert.Equal(t, core.index.Len(), core.citations.Len())
		core.mu.RUnlock()
	}
	assert.Equal(t, 15, core.Len())
}

func TestCore_ConcurrentIngestAndQuery(t *testing.T) {
	ctx := context.Background()
	vectors := map[string][]float32{"q": {0, 0}}
	batchA := make([]models.Chunk, 3)
	for i := range batchA {
		text := fmt.Sprintf("a%d", i)
		vectors[text] = []float32{1, float32(i)}
		batchA[i] = chunk(text, "a.pdf", i+1)
	}
	batchB := make([]models.Chunk, 2)
	for i := range batchB {
		text := fmt.Sprintf("b%d", i)
		vectors[text] = []float32{2, float32(i)}
		batchB[i] = chunk(text, "b.pdf", i+1)
	}

	for round := 0; round < 20; round++ {
		core := New(newFakeEmbedder(vectors), 2)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := core.Ingest(ctx, batchA)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := core.Ingest(ctx, batchB)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			hits, err := core.Query(ctx, "q", 10)
			assert.NoError(t, err)
			assert.Contains(t, []int{0, 2, 3, 5}, len(hits))
		}()
		wg.Wait()

		core.mu.RLock()
		assert.Equal(t, 5, core.index.Len())
		assert.Equal(t, 5, core.citations.Len())
		core.mu.RUnlock()
	}
}

func TestCore_JournalAndRestore(t *testing.T) {
	ctx := context.Background()
	vectors := map[string][]float32{"x": {1, 0}, "y": {0, 1}, "z": {1, 1}, "q": {0, 1}}
	j := &memJournal{}

	core := New(newFakeEmbedder(vectors), 2, WithJournal(j))
	_, err := core.Ingest(ctx, []models.Chunk{chunk("x", "a.pdf", 1), chunk("y", "a.pdf", 2)})
	require.NoError(t, err)
	_, err = core.Ingest(ctx, []models.Chunk{chunk("z", "b.xlsx", 1)})
	require.NoError(t, err)
	require.Len(t, j.records, 3)
	assert.Equal(t, 2, j.records[2].Position)

	restored := New(newFakeEmbedder(vectors), 2)
	n, err := restored.Restore(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := restored.Query(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, citation.Citation{Filename: "a.pdf", Page: 2, Text: "y"}, hits[0].Citation)

	_, err = restored.Restore(ctx, j)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCore_JournalFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{err: errors.New("disk full")}
	core := New(newFakeEmbedder(map[string][]float32{"x": {1}}), 1, WithJournal(j))

	res, err := core.Ingest(ctx, []models.Chunk{chunk("x", "a.pdf", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, core.Len())
}

func TestCore_RestoreStopsAtGap(t *testing.T) {
	j := &memJournal{records: []Record{
		{Position: 0, Vector: []float32{1}, Citation: citation.Citation{Filename: "a.pdf", Page: 1}},
		{Position: 2, Vector: []float32{2}, Citation: citation.Citation{Filename: "a.pdf", Page: 3}},
		{Position: 3, Vector: []float32{3}, Citation: citation.Citation{Filename: "a.pdf", Page: 4}},
	}}
	core := New(newFakeEmbedder(nil), 1)
	n, err := core.Restore(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, core.Len())
	assert.Equal(t, []int{0}, j.positions())
}

func TestCore_RestartAfterFailedAppend(t *testing.T) {
	ctx := context.Background()
	vectors := map[string][]float32{"a": {1, 0}, "bb": {0, 1}, "ccc": {1, 1}, "q": {1, 1}}

	// the first append is lost, the second one lands at position 1
	j := &memJournal{failures: 1}
	core := New(newFakeEmbedder(vectors), 2, WithJournal(j))
	_, err := core.Ingest(ctx, []models.Chunk{chunk("a", "a.pdf", 1)})
	require.NoError(t, err)
	_, err = core.Ingest(ctx, []models.Chunk{chunk("bb", "a.pdf", 2)})
	require.NoError(t, err)
	require.Equal(t, []int{1}, j.positions())

	restarted := New(newFakeEmbedder(vectors), 2, WithJournal(j))
	n, err := restarted.Restore(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, j.positions(), "records after the gap are dropped")

	res, err := restarted.Ingest(ctx, []models.Chunk{chunk("ccc", "b.pdf", 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.FirstPosition)
	require.Len(t, j.records, 1)
	assert.Equal(t, "ccc", j.records[0].Citation.Text)

	hits, err := restarted.Query(ctx, "q", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b.pdf", hits[0].Filename)
}

func TestCore_RestoreTruncatesOtherJournals(t *testing.T) {
	ctx := context.Background()
	primary := &memJournal{records: []Record{
		{Position: 0, Vector: []float32{1}, Citation: citation.Citation{Filename: "a.pdf", Page: 1}},
	}}
	secondary := &memJournal{records: []Record{
		{Position: 0, Vector: []float32{1}, Citation: citation.Citation{Filename: "a.pdf", Page: 1}},
		{Position: 1, Vector: []float32{2}, Citation: citation.Citation{Filename: "a.pdf", Page: 2}},
	}}
	core := New(newFakeEmbedder(nil), 1, WithJournal(primary), WithJournal(secondary))
	n, err := core.Restore(ctx, primary)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{0}, secondary.positions())
}
