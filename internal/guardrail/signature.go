package guardrail

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlRe    = regexp.MustCompile(`(?i)\b(?:https?|ftp)://\S+`)
	emailRe  = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
	tokenRe  = regexp.MustCompile(`\b[A-Za-z0-9_\-+/=]{24,}\b`)
	digitsRe = regexp.MustCompile(`[0-9]+`)
)

// Signature reduces content to a structural fingerprint. Volatile parts
// (URLs, addresses, long opaque tokens, numbers) become placeholders and
// punctuation is dropped, so near-identical attempts produce the same or a
// very similar signature. The function is pure and deterministic.
func Signature(content string) string {
	s := strings.ToLower(content)
	s = urlRe.ReplaceAllString(s, " urlx ")
	s = emailRe.ReplaceAllString(s, " emailx ")
	s = tokenRe.ReplaceAllString(s, " tokenx ")
	s = digitsRe.ReplaceAllString(s, "#")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '#':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// shingles returns the set of words and adjacent word pairs in a signature.
// Pairs keep some word order so reshuffled text scores lower than the
// original phrasing.
func shingles(sig string) map[string]bool {
	words := strings.Fields(sig)
	m := make(map[string]bool, 2*len(words))
	for i, w := range words {
		m[w] = true
		if i+1 < len(words) {
			m[w+" "+words[i+1]] = true
		}
	}
	return m
}

// Similarity is the Jaccard index of the shingle sets of two signatures,
// in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	sa, sb := shingles(a), shingles(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	shared := 0
	for k := range sa {
		if sb[k] {
			shared++
		}
	}
	union := len(sa) + len(sb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// containment is the share of a's shingles that also appear in b. It lets a
// short learned pattern match inside a longer candidate.
func containment(a, b string) float64 {
	sa, sb := shingles(a), shingles(b)
	if len(sa) == 0 {
		return 0
	}
	shared := 0
	for k := range sa {
		if sb[k] {
			shared++
		}
	}
	return float64(shared) / float64(len(sa))
}
