// Package normalize canonicalizes uploaded document text before it is
// staged and sent to a backend.
package normalize

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTag     = regexp.MustCompile(`(?s)</?[a-zA-Z][a-zA-Z0-9:-]*(?:\s[^<>]*)?/?>`)
	htmlMarker  = regexp.MustCompile(`(?i)<!--|</?(?:html|body|head|div|p|span|br|table|tr|td|th|ul|ol|li|h[1-6]|a|b|i|strong|em)(?:\s+[a-z_:][-a-z0-9_:.]*\s*=[^<>]*)?\s*/?>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(` {2,}`)
	tabRuns     = regexp.MustCompile(`\t+`)
	trailingWS  = regexp.MustCompile(`[ \t]+\n`)
)

// Text applies the canonicalization rules until the output stops changing,
// which makes Text(Text(x)) == Text(x) hold for every input.
func Text(raw string) string {
	out := raw
	// A changing pass never grows the text, so this bound is not reached in practice.
	for i := 0; i <= len(raw)+1; i++ {
		next := pass(out)
		if next == out {
			return next
		}
		out = next
	}
	return out
}

func pass(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if LooksLikeHTML(s) {
		s = htmlComment.ReplaceAllString(s, "")
		s = htmlTag.ReplaceAllString(s, "")
	}
	s = html.UnescapeString(s)
	s = tabRuns.ReplaceAllString(s, " ")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimRight(s, " \t")
}

// LooksLikeHTML reports whether s carries markup worth stripping. A known
// tag name only counts when it is bare or followed by an attribute.
func LooksLikeHTML(s string) bool {
	return htmlMarker.MatchString(s)
}
