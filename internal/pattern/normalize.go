// Package pattern implements recurring-content clustering over memory
// records: grouping near-duplicate observations into patterns, scoring
// their confidence, promoting stable ones into long-term preferences, and
// decaying ones that have gone stale.
package pattern

import (
	"strings"
	"unicode"
)

// stopwords are dropped during normalization so clustering compares on
// content words rather than function words.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "and": {},
	"or": {}, "but": {}, "with": {}, "i": {}, "you": {}, "it": {}, "that": {},
	"this": {}, "be": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {},
	"my": {}, "your": {}, "their": {}, "his": {}, "her": {}, "will": {}, "can": {},
}

// normalizeTokens lowercases s, strips punctuation, splits on whitespace, and
// drops stopwords and empty tokens. The result is a deduplicated token set.
func normalizeTokens(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var cur strings.Builder

	flush := func() {
		tok := cur.String()
		cur.Reset()
		if tok == "" {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		tokens[tok] = struct{}{}
	}

	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// jaccard computes the Jaccard similarity between two token sets: the size
// of their intersection over the size of their union. Two empty sets are
// defined as maximally dissimilar (0), not identical, since "nothing in
// common" is the safer default for clustering.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// overlapRatio is an asymmetric containment measure used for topic tokens
// (tags/entities, which are typically a short fixed vocabulary rather than
// free text): the fraction of the smaller set contained in the larger.
func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	smaller, larger := a, b
	if len(b) < len(a) {
		smaller, larger = b, a
	}
	hits := 0
	for t := range smaller {
		if _, ok := larger[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(smaller))
}

func union(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}
