// Package sanitize turns untrusted push text into plain text fit for a
// notification title or body.
package sanitize

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// contentTags are elements whose content is never readable text.
var contentTags = []string{"script", "style", "iframe", "object", "embed", "template"}

// blockPatterns match a whole element: opening tag, content and closing tag.
var blockPatterns []*regexp.Regexp

var spaceRe = regexp.MustCompile(`\s+`)

// strict allows no elements at all. Policies are safe for concurrent use
// once built.
var strict = bluemonday.StrictPolicy()

func init() {
	for _, tag := range contentTags {
		blockPatterns = append(blockPatterns,
			regexp.MustCompile(`(?is)<`+tag+`\b[^>]*>.*?</`+tag+`\s*>`))
	}
}

// PlainText strips every element from s, drops the content of non-text
// elements, decodes entities and collapses whitespace runs.
func PlainText(s string) string {
	for _, re := range blockPatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = html.UnescapeString(strict.Sanitize(s))
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
