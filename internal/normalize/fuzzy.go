package normalize

import "strings"

// similarity scores how likely cleaned names the same merchant as key.
// It returns 0 when no rule applies.
func similarity(cleaned, key string, cfg Config) float64 {
	if cleaned == key {
		return 1
	}
	a, b := strings.Fields(cleaned), strings.Fields(key)
	if tokenPrefix(a, b) || tokenPrefix(b, a) {
		return 0.9
	}
	best := 0.0
	if j := jaccard(a, b); j >= cfg.TokenOverlap {
		best = j
	}
	longest := max(len([]rune(cleaned)), len([]rune(key)))
	if min(len([]rune(cleaned)), len([]rune(key))) >= 5 {
		if d := levenshtein(cleaned, key); d <= cfg.MaxEditDistance {
			if s := 1 - float64(d)/float64(longest); s > best {
				best = s
			}
		}
	}
	return best
}

// tokenPrefix reports whether short is a whole-token prefix of long.
func tokenPrefix(short, long []string) bool {
	if len(short) == 0 || len(short) >= len(long) {
		return false
	}
	for i, tok := range short {
		if long[i] != tok {
			return false
		}
	}
	return true
}

func jaccard(a, b []string) float64 {
	set := make(map[string]int, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	if len(set) == 0 {
		return 0
	}
	both := 0
	for _, v := range set {
		if v == 3 {
			both++
		}
	}
	return float64(both) / float64(len(set))
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
