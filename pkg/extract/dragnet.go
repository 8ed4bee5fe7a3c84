package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// dragnetCandidates are the block-level elements dragnet's original
// implementation scores as candidate "main content" blocks.
var dragnetCandidates = []string{"article", "main", "p", "div", "section"}

// Dragnet is the Go analogue of dragnet.extract_content: a lightweight
// content-extraction heuristic that scores candidate blocks by
// text-to-markup density and returns the text of the highest-scoring one.
// It never returns an error; a document with no scoreable block yields a
// nil Text, matching the original's best-effort behavior.
func Dragnet(html, _ string) Result {
	doc := parseDocument(html)
	if doc == nil {
		return Result{}
	}

	doc.Find("script, style, noscript, nav, header, footer").Remove()

	var (
		bestText  string
		bestScore float64
	)

	doc.Find(strings.Join(dragnetCandidates, ", ")).Each(func(_ int, sel *goquery.Selection) {
		text := collapseWhitespace(sel.Text())
		if text == "" {
			return
		}

		score := dragnetDensity(sel, text)
		if score > bestScore {
			bestScore = score
			bestText = text
		}
	})

	return Result{Text: strPtr(bestText)}
}

// dragnetDensity scores a block by the ratio of its text length to the
// number of tags it contains (itself included), scaled down by the share of
// that text sitting inside links (a proxy for "prose, not a nav list").
func dragnetDensity(sel *goquery.Selection, text string) float64 {
	tagCount := sel.Find("*").Length() + 1
	density := float64(len(text)) / float64(tagCount)

	linkTextLen := 0
	sel.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkTextLen += len(a.Text())
	})

	if len(text) > 0 {
		linkRatio := float64(linkTextLen) / float64(len(text))
		density *= 1 - linkRatio
	}

	return density
}
