package match

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// stringSimilarity scores two normalized strings in [0,1]. It takes the
// better of a whole-string edit-distance ratio and a token-set Jaccard
// ratio, so both reorderings ("oak ridge" vs "ridge oak") and small typos
// score well.
func stringSimilarity(a, b string) float64 {
	a = strings.TrimSpace(strings.ToLower(a))
	b = strings.TrimSpace(strings.ToLower(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	lev := levenshteinRatio(a, b)
	jac := tokenJaccard(a, b)
	if jac > lev {
		return jac
	}
	return lev
}

func levenshteinRatio(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(max)
}

func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		out[tok] = struct{}{}
	}
	return out
}

// numericCloseness maps the relative gap between two values into [0,1].
func numericCloseness(a, b float64) float64 {
	max := a
	if b > max {
		max = b
	}
	if max < 1 {
		max = 1
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	c := 1 - diff/max
	if c < 0 {
		return 0
	}
	return c
}
