package parser

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"finsight-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

const csvRowsPerPage = 50

var (
	slideNameRe   = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	drawingTextRe = regexp.MustCompile(`<a:t>([^<]*)</a:t>`)
	wordTextRe    = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
)

// pdfChunker cites each chunk with its PDF page number.
type pdfChunker struct{ p *ParserConfig }

func (c pdfChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		chunks = append(chunks, c.p.getChunks(pageText, filename, i)...)
	}
	return chunks, nil
}

// docxChunker has no page information, every chunk is cited as page 1.
type docxChunker struct{ p *ParserConfig }

func (c docxChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	text := docxText(r.Editable().GetContent())
	return c.p.getChunks(text, filename, defaultPageNumber), nil
}

// docxText extracts paragraph text from WordprocessingML.
func docxText(content string) string {
	var paragraphs []string
	for _, para := range strings.Split(content, "</w:p>") {
		var b strings.Builder
		for _, m := range wordTextRe.FindAllStringSubmatch(para, -1) {
			b.WriteString(m[1])
		}
		if text := strings.TrimSpace(html.UnescapeString(b.String())); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return strings.Join(paragraphs, "\n")
}

// pptxChunker cites each chunk with its slide number.
type pptxChunker struct{ p *ParserConfig }

func (c pptxChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []models.Chunk
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		slideNum, err := strconv.Atoi(m[1])
		if err != nil || slideNum < 1 {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c.p.getChunks(extractTextFromXML(string(data)), filename, slideNum)...)
	}
	return chunks, nil
}

func extractTextFromXML(xmlContent string) string {
	var parts []string
	for _, m := range drawingTextRe.FindAllStringSubmatch(xmlContent, -1) {
		parts = append(parts, html.UnescapeString(m[1]))
	}
	return strings.Join(parts, " ")
}

// xlsxChunker cites each chunk with its sheet ordinal.
type xlsxChunker struct{ p *ParserConfig }

func (c xlsxChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	for sheetNum, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		chunks = append(chunks, c.p.getChunks(sheetText(sheet.Name, rows), filename, sheetNum+1)...)
	}
	return chunks, nil
}

// excelizeChunker handles macro-enabled workbooks and templates.
type excelizeChunker struct{ p *ParserConfig }

func (c excelizeChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []models.Chunk
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheetName, err)
		}
		chunks = append(chunks, c.p.getChunks(sheetText(sheetName, rows), filename, sheetNum+1)...)
	}
	return chunks, nil
}

// sheetText renders rows tab-separated under a sheet heading. A sheet with
// no non-blank cell renders as "".
func sheetText(name string, rows [][]string) string {
	var text strings.Builder
	empty := true
	for _, row := range rows {
		line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
		if strings.TrimSpace(line) == "" {
			continue
		}
		empty = false
		text.WriteString(line)
		text.WriteString("\n")
	}
	if empty {
		return ""
	}
	return fmt.Sprintf("## Sheet: %s\n%s", name, text.String())
}

// csvChunker groups data rows into pages of csvRowsPerPage. Each row is
// rendered as "header: value" pairs so a chunk stands on its own.
type csvChunker struct{ p *ParserConfig }

func (c csvChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		chunks []models.Chunk
		page   strings.Builder
		rows   int
		pageNo = 1
	)
	flush := func() {
		chunks = append(chunks, c.p.getChunks(page.String(), filename, pageNo)...)
		page.Reset()
		rows = 0
		pageNo++
	}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		page.WriteString(csvRow(header, record))
		page.WriteString("\n")
		rows++
		if rows == csvRowsPerPage {
			flush()
		}
	}
	if rows > 0 {
		flush()
	}
	return chunks, nil
}

func csvRow(header, record []string) string {
	pairs := make([]string, 0, len(record))
	for i, v := range record {
		if strings.TrimSpace(v) == "" {
			continue
		}
		key := fmt.Sprintf("col%d", i+1)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			key = strings.TrimSpace(header[i])
		}
		pairs = append(pairs, key+": "+v)
	}
	return strings.Join(pairs, ", ")
}
