package parser

import (
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"finsight-rag/internal/models"
)

// markdownChunker splits a markdown document at its headings. Markdown has no
// pages, so every chunk is cited as page 1.
type markdownChunker struct{ p *ParserConfig }

type mdSection struct {
	heading string
	body    string
}

func (c markdownChunker) Chunk(filePath, filename string) ([]models.Chunk, error) {
	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	for _, s := range markdownSections(source) {
		content := s.body
		if s.heading != "" {
			content = s.heading + "\n" + s.body
		}
		chunks = append(chunks, c.p.getChunks(content, filename, defaultPageNumber)...)
	}
	return chunks, nil
}

// markdownSections walks the goldmark AST and collects the plain text under
// each heading. GFM tables are rendered tab-separated, one row per line.
func markdownSections(source []byte) []mdSection {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(source))

	var (
		sections  []mdSection
		heading   strings.Builder
		body      strings.Builder
		current   string
		inHeading bool
	)
	flush := func() {
		if b := strings.TrimSpace(body.String()); b != "" || current != "" {
			sections = append(sections, mdSection{heading: current, body: b})
		}
		body.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		w := &body
		if inHeading {
			w = &heading
		}
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				flush()
				heading.Reset()
				inHeading = true
			} else {
				current = strings.TrimSpace(heading.String())
				inHeading = false
			}
		case *ast.Text:
			if entering {
				w.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					w.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				w.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					body.Write(seg.Value(source))
				}
				body.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *extast.TableCell:
			if !entering {
				body.WriteString("\t")
			}
		case *extast.TableRow, *extast.TableHeader:
			if !entering {
				body.WriteString("\n")
			}
		case *ast.Paragraph, *ast.ListItem:
			if !entering {
				body.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})
	flush()

	return sections
}
