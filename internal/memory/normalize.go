package memory

import (
	"strings"
	"unicode"
)

// NearDuplicateThreshold is the token Jaccard similarity at which two
// memories in the same category are treated as the same fact.
const NearDuplicateThreshold = 0.8

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {}, "from": {}, "as": {},
	"is": {}, "am": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"i": {}, "me": {}, "my": {}, "mine": {}, "it": {}, "its": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "there": {}, "here": {}, "very": {}, "really": {}, "so": {},
	"just": {}, "user": {}, "users": {}, "s": {}, "do": {}, "does": {}, "did": {},
	"them": {}, "they": {}, "he": {}, "she": {}, "him": {}, "her": {}, "we": {}, "us": {},
	"near": {}, "you": {}, "your": {}, "things": {}, "thing": {}, "stuff": {}, "lot": {}, "lots": {},
}

// Normalize returns the dedup key of a memory's content: lower-cased,
// punctuation stripped, stopwords removed and whitespace collapsed.
func Normalize(content string) string {
	return strings.Join(keyTokens(content), " ")
}

func keyTokens(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of two dedup keys.
func Jaccard(a, b string) float64 {
	setA := tokenSet(strings.Fields(a))
	setB := tokenSet(strings.Fields(b))
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// IsNearDuplicate reports whether two dedup keys name the same fact.
func IsNearDuplicate(a, b string) bool {
	return a == b || Jaccard(a, b) >= NearDuplicateThreshold
}

// overlap is the share of the smaller token set found in the other, used as
// a lexical relevance score for recall. Tokens are compared by stem.
func overlap(query, key []string) float64 {
	q, k := tokenSet(stems(query)), tokenSet(stems(key))
	small := min(len(q), len(k))
	if small == 0 {
		return 0
	}
	inter := 0
	for t := range q {
		if _, ok := k[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(small)
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// stems applies a crude suffix strip so "lives" matches "live".
func stems(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		switch {
		case len(t) > 5 && strings.HasSuffix(t, "ing"):
			t = t[:len(t)-3]
		case len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss"):
			t = t[:len(t)-1]
		}
		out[i] = t
	}
	return out
}
