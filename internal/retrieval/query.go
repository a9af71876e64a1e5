package retrieval

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// triggerPhrases are assistant wake words and filler that carry no legal meaning.
var triggerPhrases = []string{
	"ok google",
	"hey siri",
	"alexa",
	"cho tôi hỏi",
	"cho mình hỏi",
	"giúp tôi với",
	"giải thích",
	"định nghĩa",
	"là gì",
	"[help]",
}

// CleanQuery lower-cases q, strips trigger phrases and punctuation, and
// collapses whitespace. Vietnamese letters are kept in composed form.
func CleanQuery(q string) string {
	cleaned := strings.ToLower(norm.NFC.String(q))
	for _, p := range triggerPhrases {
		cleaned = strings.ReplaceAll(cleaned, p, "")
	}
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, cleaned)
	return strings.Join(strings.Fields(cleaned), " ")
}
