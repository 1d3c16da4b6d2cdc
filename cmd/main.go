package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"finsight-rag/internal/chromemdb"
	"finsight-rag/internal/config"
	"finsight-rag/internal/db"
	"finsight-rag/internal/embedding"
	"finsight-rag/internal/helper"
	"finsight-rag/internal/ingest"
	"finsight-rag/internal/llmservice"
	"finsight-rag/internal/market"
	"finsight-rag/internal/parser"
	"finsight-rag/internal/rag"
	"finsight-rag/internal/retrieval"
	"finsight-rag/internal/server"
	"finsight-rag/internal/watcher"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the YAML config file")
	filePath := flag.String("file", "", "Path to a document to ingest")
	query := flag.String("query", "", "Question to answer from the indexed documents")
	topK := flag.Int("k", 0, "Number of sources to retrieve (0 uses rag.top_k)")
	serve := flag.Bool("serve", false, "Run the HTTP server")
	ticker := flag.String("ticker", "", "Print a market quote for a ticker")
	exportPath := flag.String("export", "", "Export the vector store to an encrypted file")
	importPath := flag.String("import", "", "Import the vector store from an exported file")
	reset := flag.Bool("reset", false, "Clear the persisted stores before starting")
	dryRun := flag.Bool("dry-run", false, "Parse the file and print chunks without indexing")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		setupLogger(config.LogConfig{Level: "info"})
		log.Fatal().Err(err).Str("path", *configPath).Msg("Error loading config")
	}
	setupLogger(cfg.Log)
	log.Debug().Interface("config", redacted(cfg)).Msg("Loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *ticker != "" {
		quote, err := market.NewClient(&cfg.Market).Quote(ctx, *ticker)
		if err != nil {
			log.Fatal().Err(err).Str("ticker", *ticker).Msg("Error fetching quote")
		}
		helper.PrettyPrint(os.Stdout, quote)
		return
	}

	parserCfg := parser.NewParserConfig(cfg)
	if *dryRun {
		if *filePath == "" {
			log.Fatal().Msg("-dry-run needs a document passed with -file")
		}
		chunks, err := parserCfg.Parse(*filePath, filepath.Base(*filePath))
		if err != nil {
			log.Fatal().Err(err).Msg("Error parsing document")
		}
		log.Info().Int("chunks", len(chunks)).Msg("Parsed document")
		helper.PrettyPrint(os.Stdout, chunks)
		return
	}

	if *filePath == "" && *query == "" && !*serve && *exportPath == "" && *importPath == "" && !*reset {
		flag.Usage()
		os.Exit(2)
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}
	defer app.close()

	if *reset {
		if err := app.reset(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error clearing stores")
		}
		log.Info().Msg("Cleared persisted stores")
	}
	if *importPath != "" {
		if err := app.importStore(*importPath); err != nil {
			log.Fatal().Err(err).Msg("Error importing vector store")
		}
	}
	if err := app.restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error restoring index")
	}

	if *filePath != "" {
		res, err := app.pipeline.File(ctx, *filePath)
		if err != nil {
			log.Fatal().Err(err).Interface("fields", retrieval.FieldsOf(err)).Msg("Error ingesting document")
		}
		helper.PrettyPrint(os.Stdout, res)
	}

	if *query != "" {
		resp, err := app.rag.Query(ctx, *query, *topK)
		if err != nil {
			log.Fatal().Err(err).Msg("Error querying")
		}
		log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", resp.Query)
		log.Info().Msg("Sources: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for _, src := range resp.Sources {
			fmt.Printf("%s p.%d (%.4f)\n", src.Filename, src.Page, src.Distance)
		}
		if resp.Content != "" {
			log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
			fmt.Printf("\n%s\n\n", resp.Content)
		}
	}

	if *exportPath != "" {
		if err := app.exportStore(*exportPath); err != nil {
			log.Fatal().Err(err).Msg("Error exporting vector store")
		}
		log.Info().Str("path", *exportPath).Msg("Exported vector store")
	}

	if *serve {
		if err := app.serve(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}
}

// app owns the process-wide core and its collaborators.
type app struct {
	cfg      *config.Config
	core     *retrieval.Core
	pipeline *ingest.Pipeline
	rag      *rag.RAG
	vectors  *chromemdb.VectorDBManager
	store    *db.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	a := &app{cfg: cfg}
	var journals []retrieval.Option
	if cfg.VectorDB.Enabled {
		a.vectors, err = chromemdb.NewVectorDBManager(&cfg.VectorDB, cfg.RAG.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
		journals = append(journals, retrieval.WithJournal(a.vectors))
	}
	if cfg.Database.Enabled {
		a.store, err = db.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		journals = append(journals, retrieval.WithJournal(a.store))
	}

	opts := append([]retrieval.Option{retrieval.WithTopK(cfg.RAG.TopK)}, journals...)
	a.core = retrieval.New(embedder, cfg.RAG.Dimension, opts...)

	var llm llms.Model
	if cfg.InferenceLLM.Enabled() {
		llm, err = llmservice.New(&cfg.InferenceLLM)
		if err != nil {
			return nil, fmt.Errorf("creating inference client: %w", err)
		}
	}
	var pipelineOpts []ingest.Option
	if cfg.RAG.Contextualize {
		if llm == nil {
			log.Warn().Msg("rag.contextualize is set but no inference model is configured, skipping enrichment")
		} else {
			pipelineOpts = append(pipelineOpts, ingest.WithContextualizer(embedding.NewContextualizer(llm)))
		}
	}

	a.pipeline = ingest.NewPipeline(parser.NewParserConfig(cfg), a.core, pipelineOpts...)
	a.rag = rag.NewRAG(a.core, llm)
	return a, nil
}

// restore replays the primary journal: the vector store when enabled,
// otherwise the database.
func (a *app) restore(ctx context.Context) error {
	var primary retrieval.Journal
	switch {
	case a.vectors != nil:
		primary = a.vectors
	case a.store != nil:
		primary = a.store
	default:
		return nil
	}
	n, err := a.core.Restore(ctx, primary)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("chunks", n).Strs("documents", a.core.Filenames()).Msg("Restored index")
	}
	return nil
}

func (a *app) reset(ctx context.Context) error {
	if a.vectors != nil {
		if err := a.vectors.DeleteCollection(); err != nil {
			return err
		}
	}
	if a.store != nil {
		if err := a.store.DropDocuments(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) importStore(path string) error {
	if a.vectors == nil {
		return fmt.Errorf("vector_db is disabled")
	}
	return a.vectors.Import(path)
}

func (a *app) exportStore(path string) error {
	if a.vectors == nil {
		return fmt.Errorf("vector_db is disabled")
	}
	return a.vectors.Export(path)
}

func (a *app) serve(ctx context.Context) error {
	srv, err := server.New(a.cfg.Server, server.Deps{
		Core:     a.core,
		Pipeline: a.pipeline,
		RAG:      a.rag,
		Market:   market.NewClient(&a.cfg.Market),
	})
	if err != nil {
		return err
	}

	if dir := a.cfg.Server.WatchDir; dir != "" {
		if err := helper.CreateFolder(dir); err != nil {
			return err
		}
		w, err := watcher.New(a.pipeline, parser.SupportedExtensions())
		if err != nil {
			return fmt.Errorf("creating inbox watcher: %w", err)
		}
		defer w.Close()
		go func() {
			if err := w.Run(ctx, dir); err != nil {
				log.Error().Err(err).Str("dir", dir).Msg("Inbox watcher stopped")
			}
		}()
	}

	return srv.Start(ctx)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
}

// redacted hides secrets before the config is logged
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	if c.EmbedLLM.Key != "" {
		c.EmbedLLM.Key = "***"
	}
	if c.InferenceLLM.Key != "" {
		c.InferenceLLM.Key = "***"
	}
	if c.Database.Password != "" {
		c.Database.Password = "***"
	}
	if c.RAG.EncryptionKey != "" {
		c.RAG.EncryptionKey = "***"
	}
	return c
}
