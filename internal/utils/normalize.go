package utils

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldTitle lowercases a title and strips diacritics so titles from different
// backends compare equal ("Amélie" == "amelie").
func FoldTitle(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// TitleDistance returns the edit distance between two folded titles. Used to
// rank search results by closeness to the query.
func TitleDistance(a, b string) int {
	return levenshtein.ComputeDistance(FoldTitle(a), FoldTitle(b))
}
