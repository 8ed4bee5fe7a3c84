package extract

// textifyBlockElements are the elements after whose content a space is
// inserted, so text from adjacent blocks never runs together.
const textifyBlockElements = "p, div, br, li, tr, td, th, h1, h2, h3, h4, h5, h6, " +
	"article, section, header, footer, nav, aside, main, blockquote, pre, table"

// Textify is the Go analogue of html2text.textify: it strips every tag and
// returns the flattened, whitespace-collapsed body text. Scripts and styles
// are dropped before text extraction since their content is never readable
// prose.
func Textify(html, _ string) Result {
	doc := parseDocument(html)
	if doc == nil {
		return Result{}
	}

	doc.Find("script, style, noscript").Remove()
	doc.Find(textifyBlockElements).AppendHtml(" ")

	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	return Result{Text: strPtr(text)}
}
