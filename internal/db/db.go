package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"finsight-rag/internal/citation"
	"finsight-rag/internal/config"
	"finsight-rag/internal/retrieval"
)

// IndexedChunk is one committed retrieval record
type IndexedChunk struct {
	bun.BaseModel `bun:"table:indexed_chunks,alias:ic"`

	Position       int       `bun:"position,pk"`
	SourceFilename string    `bun:"source_filename,notnull"`
	PageNumber     int       `bun:"page_number,notnull"`
	ChunkID        int       `bun:"chunk_id,notnull,default:0"`
	Content        string    `bun:"content,notnull"`
	Embedding      []float32 `bun:"embedding,array,notnull"`
}

// Compile-time interface check.
var _ retrieval.Journal = (*Store)(nil)

// Store mirrors the retrieval index into Postgres
type Store struct {
	db *bun.DB
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a connection pool with the configured driver
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open connects, pings and creates the table when missing
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	s := NewStore(NewDB(sqldb, cfg.Debug))
	if err := s.db.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := s.InitDB(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return s, nil
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InitDB(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*IndexedChunk)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Append inserts committed records in one statement
func (s *Store) Append(ctx context.Context, records []retrieval.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]IndexedChunk, len(records))
	for i, r := range records {
		rows[i] = IndexedChunk{
			Position:       r.Position,
			SourceFilename: r.Citation.Filename,
			PageNumber:     r.Citation.Page,
			ChunkID:        r.Citation.ChunkID,
			Content:        r.Citation.Text,
			Embedding:      r.Vector,
		}
	}
	_, err := s.db.NewInsert().Model(&rows).
		On("CONFLICT (position) DO UPDATE").
		Set("source_filename = EXCLUDED.source_filename").
		Set("page_number = EXCLUDED.page_number").
		Set("chunk_id = EXCLUDED.chunk_id").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storing %d chunks: %w", len(rows), err)
	}
	return nil
}

// Replay returns every stored record ordered by position
func (s *Store) Replay(ctx context.Context) ([]retrieval.Record, error) {
	var rows []IndexedChunk
	if err := s.db.NewSelect().Model(&rows).Order("position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	records := make([]retrieval.Record, len(rows))
	for i, row := range rows {
		records[i] = row.Record()
	}
	log.Debug().Int("records", len(records)).Msg("Replayed database journal")
	return records, nil
}

// Record converts a row back into a retrieval record
func (c IndexedChunk) Record() retrieval.Record {
	return retrieval.Record{
		Position: c.Position,
		Vector:   c.Embedding,
		Citation: citation.Citation{
			Filename: c.SourceFilename,
			Page:     c.PageNumber,
			ChunkID:  c.ChunkID,
			Text:     c.Content,
		},
	}
}

// Truncate deletes every row at position from or later
func (s *Store) Truncate(ctx context.Context, from int) error {
	res, err := s.db.NewDelete().Model((*IndexedChunk)(nil)).Where("position >= ?", from).Exec(ctx)
	if err != nil {
		return fmt.Errorf("truncating chunks from %d: %w", from, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Info().Int64("deleted", n).Int("from", from).Msg("Truncated database journal")
	}
	return nil
}

// drop table indexed_chunks and recreate it empty
func (s *Store) DropDocuments(ctx context.Context) error {
	if _, err := s.db.NewDropTable().Model((*IndexedChunk)(nil)).IfExists().Exec(ctx); err != nil {
		return err
	}
	return s.InitDB(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
