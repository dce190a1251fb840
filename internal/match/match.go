// Package match scores filter options against a target name and picks the
// best one above a threshold.
package match

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Candidate is a labeled option with an opaque handle returned on a match.
type Candidate[H any] struct {
	Label  string
	Handle H
}

// Result is the winning candidate and its score in [0,100].
type Result[H any] struct {
	Label  string
	Handle H
	Score  float64
}

// Normalize lowercases s and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Ratio is the normalized edit-distance similarity of a and b in [0,100].
func Ratio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// PartialRatio is the best Ratio of the shorter string against every
// equally long window of the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}
	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		if r := Ratio(s, string(long[i:i+len(short)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

// Score compares normalized a and b. The whole-string ratio is combined with
// a partial ratio weighted by how much of the longer string the shorter one
// covers, so "Acme Univ" scores well against "Acme University" while a lone
// "U" does not. Extending a correct abbreviation never lowers the score.
func Score(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 100
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	coverage := float64(min(la, lb)) / float64(max(la, lb))
	return max(Ratio(a, b), PartialRatio(a, b)*(0.6+0.4*coverage))
}

// Best returns the highest scoring candidate at or above minScore. Ties keep
// the first candidate in input order. ok is false for an empty candidate list
// or when the best score is below minScore; callers treat that as
// "no viable match", not as an error.
func Best[H any](target string, candidates []Candidate[H], minScore float64) (Result[H], bool) {
	best, found := Top(target, candidates)
	if !found || best.Score < minScore {
		return best, false
	}
	return best, true
}

// Top returns the highest scoring candidate regardless of threshold.
func Top[H any](target string, candidates []Candidate[H]) (Result[H], bool) {
	var best Result[H]
	found := false
	for _, c := range candidates {
		s := Score(target, c.Label)
		if !found || s > best.Score {
			best = Result[H]{Label: c.Label, Handle: c.Handle, Score: s}
			found = true
		}
	}
	return best, found
}
