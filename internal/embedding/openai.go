package embedding

import (
	"context"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"finsight-rag/internal/config"
)

// NativeOpenAIEmbedder calls the OpenAI embeddings API directly, one request
// per batch.
type NativeOpenAIEmbedder struct {
	client    *goopenai.Client
	model     goopenai.EmbeddingModel
	batchSize int
}

func NewNativeOpenAIEmbedder(cfg *config.LLMConfig) *NativeOpenAIEmbedder {
	clientCfg := goopenai.DefaultConfig(strings.TrimPrefix(cfg.Key, "Bearer "))
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &NativeOpenAIEmbedder{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     goopenai.EmbeddingModel(cfg.Model),
		batchSize: batchSize,
	}
}

func (e *NativeOpenAIEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
			Input: batch,
			Model: e.model,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embeddings for texts %d-%d: %w", start, end-1, err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings api returned %d vectors for %d texts", len(resp.Data), len(batch))
		}

		// the API reports each vector's input index; do not rely on response order
		vectors := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("embeddings api returned index %d for batch of %d", d.Index, len(batch))
			}
			vectors[d.Index] = d.Embedding
		}
		out = append(out, vectors...)
	}
	return out, nil
}
