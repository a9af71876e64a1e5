package graphstore

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var dStroke = strings.NewReplacer("đ", "d", "Đ", "D")

// Transliterate strips Vietnamese diacritics: "Điều 81" becomes "Dieu 81".
func Transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, dStroke.Replace(s))
	if err != nil {
		return s
	}
	return out
}

// CanonicalID is the single id scheme of the graph: transliterated, lower
// case, ASCII letters and digits only, with every other run of characters
// collapsed to one underscore and no leading or trailing underscore.
// It is idempotent.
func CanonicalID(s string) string {
	s = strings.ToLower(Transliterate(s))

	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// ArticleID builds the canonical id of article number in the given law year,
// for example ArticleID("81", 2024) == "dieu_81_2024".
func ArticleID(number string, lawYear int) string {
	return CanonicalID("dieu " + number + " " + strconv.Itoa(lawYear))
}
