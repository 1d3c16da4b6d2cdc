package parser

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"finsight-rag/internal/models"
)

// reportChunker reads plain-text reports. Form feeds separate pages and
// headings such as "ITEM 7." or "NOTE 12" open a new section; each chunk is
// prefixed with the heading of the section it came from.
type reportChunker struct{ p *ParserConfig }

type reportParserState struct {
	page           int
	section        string
	currentContent strings.Builder
	filename       string
	result         []models.Chunk
}

func (c reportChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sectionRe := regexp.MustCompile(models.SectionRegex)
	state := reportParserState{page: 1, filename: filename}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		segments := strings.Split(scanner.Text(), models.FormFeed)
		for i, segment := range segments {
			if i > 0 {
				c.flush(&state)
				state.page++
			}
			c.processLine(segment, &state, sectionRe)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	c.flush(&state)
	return state.result, nil
}

// processLine handles a single line, updating the parser state accordingly
func (c reportChunker) processLine(line string, state *reportParserState, sectionRe *regexp.Regexp) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if sectionRe.MatchString(line) {
		c.flush(state)
		state.section = line
		return
	}
	if state.currentContent.Len() > 0 {
		state.currentContent.WriteString("\n")
	}
	state.currentContent.WriteString(line)
}

// flush stores the accumulated section content of the current page
func (c reportChunker) flush(state *reportParserState) {
	content := strings.TrimSpace(state.currentContent.String())
	state.currentContent.Reset()
	if content == "" {
		return
	}
	if state.section != "" {
		content = "[" + state.section + "]\n" + content
	}
	state.result = append(state.result, c.p.getChunks(content, state.filename, state.page)...)
}
