package normalizer

import (
	"strings"
	"unicode"
)

const (
	MatchJaroWinkler = "jaro-winkler"
	MatchPhonetic    = "phonetic"
	MatchBigram      = "bigram"
)

// phoneticScore is what a soundex agreement is worth on its own. It sits
// below the default auto-resolve threshold so sound-alike names become
// candidates, not answers.
const phoneticScore = 0.88

// Similarity returns the best score across the string, phonetic and
// token-overlap measures together with the measure that produced it.
func Similarity(a, b string) (float64, string) {
	best, method := jaroWinkler(a, b), MatchJaroWinkler
	if s := bigramDice(a, b); s > best {
		best, method = s, MatchBigram
	}
	if best < phoneticScore {
		sa, sb := soundex(a), soundex(b)
		if sa != "" && sa == sb {
			best, method = phoneticScore, MatchPhonetic
		}
	}
	return best, method
}

func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	if s1 == "" || s2 == "" {
		return 0
	}

	matchDistance := max(len(s1), len(s2))/2 - 1
	if matchDistance < 0 {
		matchDistance = 0
	}

	s1Matches := make([]bool, len(s1))
	s2Matches := make([]bool, len(s2))

	matches := 0
	for i := range s1 {
		start := max(0, i-matchDistance)
		end := min(i+matchDistance+1, len(s2))
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range s1 {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}
	transpositions /= 2

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions))/m) / 3

	prefix := 0
	for i := 0; i < min(4, min(len(s1), len(s2))); i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}

// bigramDice is the Sørensen-Dice coefficient over character bigrams,
// ignoring whitespace. It tolerates reordered or partially typed tokens.
func bigramDice(a, b string) float64 {
	ga, gb := bigrams(a), bigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	counts := make(map[string]int, len(ga))
	for _, g := range ga {
		counts[g]++
	}
	shared := 0
	for _, g := range gb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ga)+len(gb))
}

func bigrams(s string) []string {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	runes := []rune(compact)
	if len(runes) < 2 {
		return nil
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

var soundexCodes = map[rune]byte{
	'b': '1', 'f': '1', 'p': '1', 'v': '1',
	'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
	'd': '3', 't': '3',
	'l': '4',
	'm': '5', 'n': '5',
	'r': '6',
}

// soundex returns the American Soundex code of the letters in s, or "" when
// s has no letters.
func soundex(s string) string {
	var first rune
	code := make([]byte, 0, 4)
	var last byte
	for _, r := range strings.ToLower(s) {
		if r < 'a' || r > 'z' {
			continue
		}
		c, coded := soundexCodes[r]
		if first == 0 {
			first = r
			code = append(code, byte(unicode.ToUpper(r)))
			last = c
			continue
		}
		switch {
		case !coded:
			// h and w do not separate equal codes; vowels do.
			if r != 'h' && r != 'w' {
				last = 0
			}
		case c != last:
			code = append(code, c)
			last = c
		}
		if len(code) == 4 {
			break
		}
	}
	if first == 0 {
		return ""
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}
