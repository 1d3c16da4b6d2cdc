package models

// Chunk represents a parsed chunk with its provenance
type Chunk struct {
	Content    string `json:"content"`
	Filename   string `json:"filename"`
	PageNumber int    `json:"page_number"`
	ChunkID    int    `json:"chunk_id"`
}

// PromptResponse is an answer with the chunks it was grounded on
type PromptResponse struct {
	Query   string   `json:"query"`
	Sources []Source `json:"sources"`
	Content string   `json:"answer,omitempty"`
}

// Source is a cited chunk shown next to an answer
type Source struct {
	Filename string  `json:"filename"`
	Page     int     `json:"page"`
	Distance float64 `json:"distance"`
}
