package extract

import "github.com/PuerkitoBio/goquery"

// trafilaturaCommentSelectors are common container selectors for
// user-comment sections, mirroring the heuristics trafilatura.bare_extraction
// applies before stripping them from the main text.
var trafilaturaCommentSelectors = []string{"#comments", ".comments", ".comment-list", "[class*=comment]"}

// Trafilatura is the Go analogue of trafilatura.bare_extraction: in addition
// to main-text extraction it populates Title, Date, Author, and Comments —
// the only extractor in the registry that does so (spec §4.3 step 5).
func Trafilatura(html, _ string) Result {
	doc := parseDocument(html)
	if doc == nil {
		return Result{}
	}

	comments := extractComments(doc)

	doc.Find("script, style, noscript, nav, header, footer").Each(func(_ int, sel *goquery.Selection) {
		sel.Remove()
	})

	for _, sel := range trafilaturaCommentSelectors {
		doc.Find(sel).Remove()
	}

	article := doc.Find("article")
	text := collapseWhitespace(article.Text())

	if text == "" {
		text = collapseWhitespace(doc.Find("body").Text())
	}

	return Result{
		Text:     strPtr(text),
		Title:    extractTrafilaturaTitle(doc),
		Date:     extractMeta(doc, "article:published_time", "date", "datePublished"),
		Author:   extractMeta(doc, "author", "article:author"),
		Comments: strPtr(comments),
	}
}

func extractTrafilaturaTitle(doc *goquery.Document) *string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
		return strPtr(og)
	}

	if h1 := collapseWhitespace(doc.Find("h1").First().Text()); h1 != "" {
		return strPtr(h1)
	}

	return nil
}

func extractMeta(doc *goquery.Document, names ...string) *string {
	for _, name := range names {
		if v, ok := doc.Find(`meta[property="` + name + `"]`).Attr("content"); ok && v != "" {
			return strPtr(v)
		}

		if v, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok && v != "" {
			return strPtr(v)
		}
	}

	return nil
}

func extractComments(doc *goquery.Document) string {
	var out string

	for _, sel := range trafilaturaCommentSelectors {
		text := collapseWhitespace(doc.Find(sel).Text())
		if text != "" {
			out += text + " "
		}
	}

	return collapseWhitespace(out)
}
