package occurrence

import "math"

// Ratio returns Similarity rounded to the nearest integer.
func Ratio(a, b string) int {
	return int(math.Round(Similarity(a, b)))
}

// Similarity returns the normalized Indel similarity of a and b on a 0-100 scale.
// The Indel distance only counts insertions and deletions, so the ratio is 200*LCS/(len(a)+len(b)) where
// LCS is the longest common subsequence. Lengths are counted in runes. Two empty strings score 100.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}

	lcs := longestCommonSubsequence(ra, rb)
	return 200 * float64(lcs) / float64(total)
}

func longestCommonSubsequence(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) > len(a) {
		a, b = b, a
	}

	// Two rows over the shorter string
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
