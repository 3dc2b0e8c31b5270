package pattern

import "testing"

func TestNormalizeTokensDropsStopwordsAndPunctuation(t *testing.T) {
	toks := normalizeTokens("The user's favorite color is blue, and it always has been!")
	for _, stop := range []string{"the", "is", "and", "it"} {
		if _, ok := toks[stop]; ok {
			t.Errorf("expected stopword %q dropped, tokens=%v", stop, toks)
		}
	}
	for _, want := range []string{"user", "favorite", "color", "blue", "always"} {
		if _, ok := toks[want]; !ok {
			t.Errorf("expected token %q present, tokens=%v", want, toks)
		}
	}
}

func TestJaccardIdenticalSets(t *testing.T) {
	a := normalizeTokens("dark mode preference")
	b := normalizeTokens("dark mode preference")
	if got := jaccard(a, b); got != 1 {
		t.Errorf("expected jaccard 1 for identical sets, got %v", got)
	}
}

func TestJaccardEmptySets(t *testing.T) {
	if got := jaccard(map[string]struct{}{}, map[string]struct{}{}); got != 0 {
		t.Errorf("expected 0 for empty sets, got %v", got)
	}
}

func TestOverlapRatioContainment(t *testing.T) {
	a := map[string]struct{}{"ui": {}}
	b := map[string]struct{}{"ui": {}, "settings": {}, "theme": {}}
	if got := overlapRatio(a, b); got != 1 {
		t.Errorf("expected full containment ratio 1, got %v", got)
	}
}
