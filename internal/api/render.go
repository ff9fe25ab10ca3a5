package api

import (
	"strings"

	"github.com/yuin/goldmark"
)

var markdown = goldmark.New()

// renderMarkdown converts a chat reply to HTML for the web widget.
// Replies are our own output, not user input, so default rendering is
// acceptable here.
func renderMarkdown(text string) (string, error) {
	var buf strings.Builder
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
