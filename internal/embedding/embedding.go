package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"finsight-rag/internal/config"
	"finsight-rag/internal/llmservice"
	"finsight-rag/internal/models"
	"finsight-rag/internal/retrieval"
)

const defaultBatchSize = 64

// LangchainEmbedder adapts a langchaingo embedder to retrieval.Embedder
type LangchainEmbedder struct {
	embedder embeddings.Embedder
}

func NewLangchainEmbedder(e embeddings.Embedder) *LangchainEmbedder {
	return &LangchainEmbedder{embedder: e}
}

// Encode embeds texts in order; langchaingo splits them into batches
func (e *LangchainEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// NewEmbedder builds the embedder named by cfg.Provider
func NewEmbedder(cfg *config.LLMConfig) (retrieval.Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating embedder")

	var (
		embedder *LangchainEmbedder
		err      error
	)
	switch cfg.Provider {
	case "ollama":
		embedder, err = NewOllamaEmbedder(cfg)
	case "openai":
		embedder, err = NewOpenAIEmbedder(cfg)
	case "openai-native":
		return NewNativeOpenAIEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return embedder, nil
}

// new ollama embedder
func NewOllamaEmbedder(cfg *config.LLMConfig) (*LangchainEmbedder, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing ollama: %w", err)
	}
	return newLangchainEmbedder(llm, cfg.BatchSize)
}

// NewOpenAIEmbedder talks to any openai-compatible embeddings endpoint
func NewOpenAIEmbedder(cfg *config.LLMConfig) (*LangchainEmbedder, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing openai: %w", err)
	}
	return newLangchainEmbedder(llm, cfg.BatchSize)
}

func newLangchainEmbedder(client embeddings.EmbedderClient, batchSize int) (*LangchainEmbedder, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(batchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return NewLangchainEmbedder(embedder), nil
}

// Contextualizer prefixes each chunk with a short LLM-generated description
// of where it sits in the whole document.
type Contextualizer struct {
	llm llms.Model
}

func NewContextualizer(llm llms.Model) *Contextualizer {
	return &Contextualizer{llm: llm}
}

// Contextualize returns copies of chunks whose Content is the generated
// context, models.ContextSeparator and the original text. A failed call
// leaves that chunk unchanged.
func (c *Contextualizer) Contextualize(ctx context.Context, document string, chunks []models.Chunk) []models.Chunk {
	out := make([]models.Chunk, len(chunks))
	for i, ch := range chunks {
		out[i] = ch
		situated, err := GenerateContext(ctx, c.llm, document, ch.Content)
		if err != nil {
			log.Warn().Err(err).Str("filename", ch.Filename).Int("page", ch.PageNumber).Msg("Context generation failed, keeping raw chunk")
			continue
		}
		if situated == "" {
			continue
		}
		out[i].Content = situated + models.ContextSeparator + ch.Content
	}
	return out
}

// generate context for a chunk within its document
func GenerateContext(ctx context.Context, llm llms.Model, document, chunk string) (string, error) {
	log.Debug().Int("chunk_len", len(chunk)).Msg("Generating context for chunk")
	prompt := fmt.Sprintf(models.ContextPromptTemplate, document, chunk)
	return llmservice.GenerateText(ctx, llm, "", prompt)
}
