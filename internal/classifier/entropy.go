package classifier

import "math"

// Entropy is the Shannon entropy of the characters of s in bits, rounded to two decimals.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}

	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}

	return math.Round(h*100) / 100
}
