package chromemdb

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"finsight-rag/internal/citation"
	"finsight-rag/internal/config"
	"finsight-rag/internal/retrieval"
)

// metadata keys; the exact vector is kept in metadata because chromem
// normalizes the embeddings it stores
const (
	metaFilename = "filename"
	metaPage     = "page"
	metaChunkID  = "chunk_id"
	metaPosition = "position"
	metaVector   = "vector"
)

// Compile-time interface check.
var _ retrieval.Journal = (*VectorDBManager)(nil)

// VectorDBManager mirrors the retrieval index into a chromem-go collection
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	dbPath        string
	compress      bool
	encryptionKey string
}

// NewVectorDBManager opens the database and the configured collection
func NewVectorDBManager(cfg *config.VectorDBConfig, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:            db,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: encryptionKey,
	}
	if _, err := m.GetOrCreateCollection(cfg.Collection); err != nil {
		return nil, err
	}
	return m, nil
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

// Count returns the number of mirrored records
func (m *VectorDBManager) Count() int {
	return m.collection.Count()
}

// Append stores committed records, keyed by their position
func (m *VectorDBManager) Append(ctx context.Context, records []retrieval.Record) error {
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:      documentID(r.Position),
			Content: r.Citation.Text,
			Metadata: map[string]string{
				metaFilename: r.Citation.Filename,
				metaPage:     strconv.Itoa(r.Citation.Page),
				metaChunkID:  strconv.Itoa(r.Citation.ChunkID),
				metaPosition: strconv.Itoa(r.Position),
				metaVector:   encodeVector(r.Vector),
			},
			Embedding: append([]float32(nil), r.Vector...),
		}
	}

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Replay reads back records in position order, stopping at the first
// missing position. Records past a gap are removed by Truncate.
func (m *VectorDBManager) Replay(ctx context.Context) ([]retrieval.Record, error) {
	n := m.collection.Count()
	records := make([]retrieval.Record, 0, n)
	for pos := 0; pos < n; pos++ {
		doc, err := m.collection.GetByID(ctx, documentID(pos))
		if err != nil {
			log.Warn().Err(err).Int("position", pos).Int("count", n).Msg("Chromem collection has a gap")
			break
		}
		r, err := recordFromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("decoding position %d: %w", pos, err)
		}
		records = append(records, r)
	}
	log.Debug().Int("records", len(records)).Str("collection", m.collection.Name).Msg("Replayed chromem collection")
	return records, nil
}

// Truncate deletes every record at position from or later
func (m *VectorDBManager) Truncate(ctx context.Context, from int) error {
	n := m.collection.Count()
	if n == 0 {
		return nil
	}
	if from <= 0 {
		return m.DeleteCollection()
	}

	// chromem has no listing call; a query for every document enumerates them
	first, err := m.collection.GetByID(ctx, documentID(0))
	if err != nil {
		return fmt.Errorf("reading position 0: %w", err)
	}
	query := make([]float32, len(first.Embedding))
	for i := range query {
		query[i] = 1
	}
	all, err := m.collection.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	var stale []string
	for _, res := range all {
		pos, err := strconv.Atoi(res.Metadata[metaPosition])
		if err != nil || pos >= from {
			stale = append(stale, res.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := m.collection.Delete(ctx, nil, nil, stale...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	log.Info().Int("deleted", len(stale)).Int("from", from).Str("collection", m.collection.Name).Msg("Truncated chromem collection")
	return nil
}

// delete collection
func (m *VectorDBManager) DeleteCollection() error {
	name := m.collection.Name
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	_, err := m.GetOrCreateCollection(name)
	return err
}

// export to file
func (m *VectorDBManager) Export(filePath string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if filePath == "" {
		filePath = filepath.Join(m.dbPath, m.collection.Name+".chromem")
	}

	log.Debug().Str("collection", m.collection.Name).Str("file", filePath).Bool("compress", m.compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// import from file
func (m *VectorDBManager) Import(filePath string) error {
	name := m.collection.Name
	if err := m.db.ImportFromFile(filePath, m.encryptionKey, name); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	// the import replaces the collection object
	_, err := m.GetOrCreateCollection(name)
	return err
}

func documentID(position int) string {
	return fmt.Sprintf("%010d", position)
}

func recordFromDocument(doc chromem.Document) (retrieval.Record, error) {
	position, err := strconv.Atoi(doc.Metadata[metaPosition])
	if err != nil {
		return retrieval.Record{}, fmt.Errorf("position: %w", err)
	}
	page, err := strconv.Atoi(doc.Metadata[metaPage])
	if err != nil {
		return retrieval.Record{}, fmt.Errorf("page: %w", err)
	}
	chunkID, _ := strconv.Atoi(doc.Metadata[metaChunkID])
	vector, err := decodeVector(doc.Metadata[metaVector])
	if err != nil {
		return retrieval.Record{}, err
	}
	return retrieval.Record{
		Position: position,
		Vector:   vector,
		Citation: citation.Citation{
			Filename: doc.Metadata[metaFilename],
			Page:     page,
			ChunkID:  chunkID,
			Text:     doc.Content,
		},
	}, nil
}

// encodeVector stores little-endian IEEE 754 float32 values as base64
func encodeVector(vec []float32) string {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeVector(s string) ([]float32, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector: invalid length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
