package models

const (
	// report section headings in plain-text filings
	SectionRegex     = `(?i)^(PART\s+[IVX]+\b.*|ITEM\s+\d+[A-Z]?\b.*|NOTE\s+\d+\b.*)$`
	FormFeed         = "\f"
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`
)

var (
	ContextPromptTemplate = `<document>
%s
</document>
Here is the chunk we want to situate within the whole document
<chunk>
%s
</chunk>
Please give a short succinct context to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the succinct context and nothing else.
`

	AnswerSystemPrompt = "You are a financial analyst assistant. Use only the provided excerpts to answer. Cite sources as [filename p.page]. If the excerpts do not contain the answer, say so."

	AnswerPromptTemplate = `Excerpts:
%s
Question: %s`
)
