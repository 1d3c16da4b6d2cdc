package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"finsight-rag/internal/llmservice"
	"finsight-rag/internal/models"
	"finsight-rag/internal/retrieval"
)

// RAG answers questions from the shared retrieval core. Without an
// inference model it only returns the cited sources.
type RAG struct {
	core *retrieval.Core
	llm  llms.Model
}

func NewRAG(core *retrieval.Core, llm llms.Model) *RAG {
	return &RAG{core: core, llm: llm}
}

func (r *RAG) CanAnswer() bool {
	return r.llm != nil
}

func (r *RAG) Query(ctx context.Context, query string, k int) (*models.PromptResponse, error) {
	hits, err := r.core.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}

	resp := &models.PromptResponse{Query: query, Sources: Sources(hits)}
	if r.llm == nil || len(hits) == 0 {
		return resp, nil
	}

	prompt := fmt.Sprintf(models.AnswerPromptTemplate, BuildContext(hits), query)
	answer, err := llmservice.GenerateText(ctx, r.llm, models.AnswerSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	log.Debug().Int("sources", len(hits)).Int("answer_len", len(answer)).Msg("Generated answer")
	resp.Content = answer
	return resp, nil
}

func Sources(hits []retrieval.Hit) []models.Source {
	sources := make([]models.Source, len(hits))
	for i, h := range hits {
		sources[i] = models.Source{Filename: h.Filename, Page: h.Page, Distance: h.Distance}
	}
	return sources
}

// BuildContext renders hits nearest first, each headed by its citation.
func BuildContext(hits []retrieval.Hit) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString(models.ContextSeparator)
		}
		fmt.Fprintf(&b, "[%s p.%d]\n%s", h.Filename, h.Page, strings.TrimSpace(h.Text))
	}
	b.WriteString("\n")
	return b.String()
}
