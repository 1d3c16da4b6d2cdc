package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/hlog"

	"finsight-rag/internal/helper"
	"finsight-rag/internal/market"
	"finsight-rag/internal/parser"
	"finsight-rag/internal/rag"
	"finsight-rag/internal/retrieval"
)

type errorBody struct {
	Error  string         `json:"error"`
	Code   string         `json:"code,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

type statsBody struct {
	DocsIndexed   int `json:"docs_indexed"`
	ChunksIndexed int `json:"chunks_indexed"`
	Dimension     int `json:"dimension"`
}

type documentBody struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Indexed  bool   `json:"indexed"`
}

type uploadBody struct {
	Status        string `json:"status"`
	Filename      string `json:"filename"`
	Chunks        int    `json:"chunks"`
	Added         int    `json:"added"`
	FirstPosition int    `json:"first_position"`
}

type askRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeCoreError maps core and collaborator errors onto HTTP statuses.
func writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, retrieval.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, retrieval.ErrInvalidCitation), errors.Is(err, retrieval.ErrDimensionMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, retrieval.ErrEmbedding):
		status = http.StatusBadGateway
	case errors.Is(err, retrieval.ErrEmptyIndex):
		status = http.StatusConflict
	}
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Str("code", retrieval.CodeOf(err)).Msg("Request failed")
	writeJSON(w, status, errorBody{
		Error:  err.Error(),
		Code:   retrieval.CodeOf(err),
		Fields: retrieval.FieldsOf(err),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsBody{
		DocsIndexed:   len(s.deps.Core.Filenames()),
		ChunksIndexed: s.deps.Core.Len(),
		Dimension:     s.deps.Core.Dimension(),
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		hlog.FromRequest(r).Error().Err(err).Msg("Listing uploads")
		writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}

	indexed := make(map[string]bool)
	for _, name := range s.deps.Core.Filenames() {
		indexed[name] = true
	}

	docs := make([]documentBody, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		docs = append(docs, documentBody{Filename: e.Name(), Size: info.Size(), Indexed: indexed[e.Name()]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	filename, err := helper.SafeFilename(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := parser.NewParserConfig(nil).ChunkerFor(filename); err != nil {
		writeCoreError(w, r, err)
		return
	}
	// citations are keyed by filename, so a second version would mix with the first
	if slices.Contains(s.deps.Core.Filenames(), filename) {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is already indexed", filename))
		return
	}

	path, err := s.save(file, filename)
	if errors.Is(err, errDuplicateUpload) {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is already uploaded", filename))
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("filename", filename).Msg("Saving upload")
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	res, err := s.deps.Pipeline.FileAs(r.Context(), path, filename)
	if err != nil {
		// nothing was indexed; drop the file so a corrected copy can be uploaded
		if rmErr := os.Remove(path); rmErr != nil {
			hlog.FromRequest(r).Warn().Err(rmErr).Str("filename", filename).Msg("Removing rejected upload")
		}
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadBody{
		Status:        "success",
		Filename:      filename,
		Chunks:        res.Chunks,
		Added:         res.Added,
		FirstPosition: res.FirstPosition,
	})
}

var errDuplicateUpload = errors.New("upload already exists")

// save writes the upload to a temporary name and links it into place so a
// concurrent directory listing never sees a partial file. The link fails
// instead of replacing an existing upload of the same name.
func (s *Server) save(src io.Reader, filename string) (string, error) {
	if err := helper.CreateFolder(s.cfg.UploadDir); err != nil {
		return "", err
	}
	id, err := helper.GenerateUUID()
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(s.cfg.UploadDir, ".upload-"+id)
	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	defer os.Remove(tmp)

	path := filepath.Join(s.cfg.UploadDir, filename)
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", errDuplicateUpload
		}
		return "", err
	}
	return path, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	k, err := parseK(r.URL.Query().Get("k"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hits, err := s.deps.Core.Query(r.Context(), r.URL.Query().Get("query"), k)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rag.Sources(hits)})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.deps.RAG.Query(r.Context(), req.Question, req.K)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if strings.TrimSpace(ticker) == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	bars, err := s.deps.Market.History(r.Context(), ticker, r.URL.Query().Get("range"))
	if err != nil {
		writeMarketError(w, r, ticker, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

func (s *Server) handleMarketQuote(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if strings.TrimSpace(ticker) == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	quote, err := s.deps.Market.Quote(r.Context(), ticker)
	if err != nil {
		writeMarketError(w, r, ticker, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func writeMarketError(w http.ResponseWriter, r *http.Request, ticker string, err error) {
	if errors.Is(err, market.ErrNoData) {
		writeError(w, http.StatusNotFound, "No data found")
		return
	}
	hlog.FromRequest(r).Warn().Err(err).Str("ticker", ticker).Msg("Market data fetch failed")
	writeError(w, http.StatusBadGateway, "market data unavailable")
}

func parseK(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("k must be an integer")
	}
	return k, nil
}
