package generation

import (
	"strings"
	"unicode"
)

const heuristicBase = 0.5

// Score rates a candidate reply between 0 and 1 with fixed rules. It never
// calls a model, so the same text always gets the same score.
func Score(text, brand string, banned []string) float64 {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	brandLower := strings.ToLower(strings.TrimSpace(brand))

	score := heuristicBase

	if brandLower != "" && strings.Contains(strings.ToLower(firstSentence(text)), brandLower) {
		score -= 0.2
	} else {
		score += 0.15
	}

	n := len([]rune(text))
	switch {
	case n >= 50 && n <= 600:
		score += 0.1
	case n < 30 || n > 1000:
		score -= 0.15
	}

	if containsAny(lower, banned) {
		score -= 0.25
	} else {
		score += 0.1
	}

	if strings.ContainsRune(text, '—') {
		score -= 0.15
	}

	if firstPerson(lower) {
		score += 0.05
	}

	switch mentions := countMentions(lower, brandLower); {
	case mentions == 1:
		score += 0.15
	case mentions == 0:
		score -= 0.3
	default:
		score -= 0.15
	}

	return max(0, min(1, score))
}

func firstSentence(text string) string {
	for i, r := range text {
		switch r {
		case '\n':
			return text[:i]
		case '.', '!', '?':
			rest := text[i+1:]
			if rest == "" || strings.IndexFunc(rest, unicode.IsSpace) == 0 {
				return text[:i+1]
			}
		}
	}
	return text
}

func containsAny(lower string, phrases []string) bool {
	for _, phrase := range phrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func countMentions(lower, brandLower string) int {
	if brandLower == "" {
		return 0
	}
	return strings.Count(lower, brandLower)
}

var firstPersonWords = map[string]struct{}{
	"i": {}, "i'm": {}, "i've": {}, "i'd": {}, "i'll": {},
	"me": {}, "my": {}, "mine": {},
	"we": {}, "we've": {}, "we're": {}, "our": {}, "us": {},
}

func firstPerson(lower string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '’'
	})
	for _, w := range words {
		w = strings.ReplaceAll(w, "’", "'")
		if _, ok := firstPersonWords[w]; ok {
			return true
		}
	}
	return false
}
