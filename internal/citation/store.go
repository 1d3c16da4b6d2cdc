// Package citation keeps the provenance records that sit alongside the
// vector index, one record per indexed vector.
package citation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCitation = errors.New("citation: invalid citation")
	ErrIndexOutOfRange = errors.New("citation: position out of range")
)

// Citation points back to the source of an indexed chunk.
type Citation struct {
	Filename string `json:"filename"`
	Page     int    `json:"page"`
	ChunkID  int    `json:"chunk_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// InvalidError names the offending record of a batch.
type InvalidError struct {
	Offset   int
	Filename string
	Page     int
	Reason   string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("citation: record %d (%q page %d): %s", e.Offset, e.Filename, e.Page, e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrInvalidCitation }

// Validate checks a single record.
func Validate(c Citation) error {
	switch {
	case c.Filename == "":
		return &InvalidError{Filename: c.Filename, Page: c.Page, Reason: "filename is empty"}
	case c.Page < 1:
		return &InvalidError{Filename: c.Filename, Page: c.Page, Reason: "page must be >= 1"}
	}
	return nil
}

// ValidateAll checks every record and reports the first invalid one.
func ValidateAll(citations []Citation) error {
	for i, c := range citations {
		if err := Validate(c); err != nil {
			var invalid *InvalidError
			if errors.As(err, &invalid) {
				invalid.Offset = i
			}
			return err
		}
	}
	return nil
}

// Store is an append-only, position-addressed list of citations. It is not
// safe for concurrent use.
type Store struct {
	records []Citation
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Len() int { return len(s.records) }

// Append adds citations in order. The whole batch is rejected if any record
// is invalid.
func (s *Store) Append(citations []Citation) error {
	if err := ValidateAll(citations); err != nil {
		return err
	}
	s.records = append(s.records, citations...)
	return nil
}

// Lookup returns the citation stored at position.
func (s *Store) Lookup(position int) (Citation, error) {
	if position < 0 || position >= len(s.records) {
		return Citation{}, fmt.Errorf("%w: position %d, length %d", ErrIndexOutOfRange, position, len(s.records))
	}
	return s.records[position], nil
}

// Filenames returns the distinct filenames in first-seen order.
func (s *Store) Filenames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, c := range s.records {
		if _, ok := seen[c.Filename]; ok {
			continue
		}
		seen[c.Filename] = struct{}{}
		names = append(names, c.Filename)
	}
	return names
}
