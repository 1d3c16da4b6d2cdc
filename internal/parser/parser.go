package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"finsight-rag/internal/config"
	"finsight-rag/internal/models"
)

// ErrUnsupportedFormat is returned for file extensions no chunker handles.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Chunker turns one document format into citation-bearing chunks.
type Chunker interface {
	Chunk(filePath, filename string) ([]models.Chunk, error)
}

type ParserConfig struct {
	Config *config.Config
}

const (
	defaultChunkSize    = 1000 // bytes
	defaultChunkOverlap = 200  // bytes
	defaultPageNumber   = 1
)

// NewParserConfig falls back to default chunk sizes when cfg is nil or unset.
func NewParserConfig(cfg *config.Config) *ParserConfig {
	rag := config.RAGConfig{ChunkSize: defaultChunkSize, ChunkOverlap: defaultChunkOverlap}
	if cfg != nil && cfg.RAG.ChunkSize > 0 {
		rag.ChunkSize = cfg.RAG.ChunkSize
		rag.ChunkOverlap = cfg.RAG.ChunkOverlap
	}
	return &ParserConfig{Config: &config.Config{RAG: rag}}
}

// ParseFile picks a chunker by extension and returns the chunks of filePath,
// cited by its base name.
func ParseFile(filePath string, cfg *config.Config) ([]models.Chunk, error) {
	return NewParserConfig(cfg).Parse(filePath, filepath.Base(filePath))
}

// Parse chunks filePath, citing it as filename.
func (p *ParserConfig) Parse(filePath, filename string) ([]models.Chunk, error) {
	chunker, err := p.ChunkerFor(filename)
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.Chunk(filePath, filename)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	return numberChunks(chunks), nil
}

// ChunkerFor returns the chunker registered for the extension of filename.
func (p *ParserConfig) ChunkerFor(filename string) (Chunker, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return pdfChunker{p}, nil
	case ".docx":
		return docxChunker{p}, nil
	case ".pptx":
		return pptxChunker{p}, nil
	case ".xlsx":
		return xlsxChunker{p}, nil
	case ".xlsm", ".xltx", ".xltm":
		return excelizeChunker{p}, nil
	case ".csv":
		return csvChunker{p}, nil
	case ".txt":
		return reportChunker{p}, nil
	case ".md", ".markdown":
		return markdownChunker{p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// SupportedExtensions lists the extensions ChunkerFor accepts.
func SupportedExtensions() []string {
	return []string{".csv", ".docx", ".markdown", ".md", ".pdf", ".pptx", ".txt", ".xlsm", ".xlsx", ".xltm", ".xltx"}
}

// chunk content into chunks with maxChars and overlapChars
func chunkContent(content string, maxChars, overlapChars int) []string {
	// Handle edge cases
	if maxChars <= 0 {
		return nil
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 2
	}

	content = strings.TrimSpace(content)
	contentLen := len(content)
	if contentLen == 0 {
		return nil
	}
	if contentLen <= maxChars {
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < contentLen {
		end := min(start+maxChars, contentLen)

		if end < contentLen {
			// Look for a space or punctuation within the last 10% of the chunk
			lookBack := min(maxChars/10, end-start)
			for i := end - 1; i >= end-lookBack && i > start; i-- {
				if content[i] == ' ' || content[i] == '\n' || content[i] == '.' {
					end = i + 1
					break
				}
			}
			end = runeBoundary(content, end)
			if end <= start {
				_, size := utf8.DecodeRuneInString(content[start:])
				end = start + size
			}
		}

		if chunk := strings.TrimSpace(content[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= contentLen {
			break
		}

		next := runeBoundary(content, end-overlapChars)
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// runeBoundary moves i back to the start of the rune containing it.
func runeBoundary(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// get chunks from content and page number
func (p *ParserConfig) getChunks(content, filename string, pageNumber int) []models.Chunk {
	var chunks []models.Chunk
	for _, chunkString := range chunkContent(content, p.Config.RAG.ChunkSize, p.Config.RAG.ChunkOverlap) {
		chunks = append(chunks, models.Chunk{
			Content:    chunkString,
			Filename:   filename,
			PageNumber: pageNumber,
		})
	}
	return chunks
}

// numberChunks sorts chunks by page (stable) and numbers them from 1 within
// each page.
func numberChunks(chunks []models.Chunk) []models.Chunk {
	sort.SliceStable(chunks, func(a, b int) bool { return chunks[a].PageNumber < chunks[b].PageNumber })
	seq := 0
	for i := range chunks {
		if i == 0 || chunks[i].PageNumber != chunks[i-1].PageNumber {
			seq = 0
		}
		seq++
		chunks[i].ChunkID = seq
	}
	return chunks
}
