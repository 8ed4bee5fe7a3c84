package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDragnetPicksDensestBlock(t *testing.T) {
	html := `<html><body>
		<nav><a href="/">home</a><a href="/a">a</a><a href="/b">b</a></nav>
		<article><p>This is a long article body with plenty of real prose content that has very
		few links compared to its length, so it should win the density contest easily.</p></article>
	</body></html>`

	result := Dragnet(html, "utf-8")

	assert.NotNil(t, result.Text)
	assert.Contains(t, *result.Text, "long article body")
}

func TestDragnetNoCandidateBlocksYieldsNilText(t *testing.T) {
	result := Dragnet(`<html><body></body></html>`, "utf-8")
	assert.Nil(t, result.Text)
}
