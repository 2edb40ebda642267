package clinical

import (
	"strings"
	"unicode"

	"github.com/caregrid/clinicalml/internal/api"
)

// Word and phrase screens for the notes rule. The all-markets pair applies
// everywhere; basic markets additionally apply the basic-only pair (enhanced
// model versions skip it).
var (
	allMarketWords = []string{
		"hospice",
		"suicidal",
		"overdose",
		"unresponsive",
		"stroke",
		"choking",
		"seizing",
		"hemorrhage",
	}

	allMarketPhrases = []string{
		"chest pressure",
		"severe bleeding",
		"difficulty breathing",
		"slurred speech",
		"altered loc",
		"active labor",
	}

	basicMarketWords = []string{
		"oxygen",
		"nebulizer",
		"catheter",
		"dementia",
		"tracheostomy",
	}

	basicMarketPhrases = []string{
		"breathing treatment",
		"hospice care",
		"wound vac",
		"oxygen tank",
		"blood thinner",
	}
)

// notesIneligible screens the concatenated dispatcher and secondary-screening
// notes. True means the request must be ruled ineligible.
func notesIneligible(req *api.EligibilityRequest, meta Meta) bool {
	notes := make([]string, 0, len(req.DispatcherNotes)+len(req.ScreeningNotes))
	notes = append(notes, req.DispatcherNotes...)
	notes = append(notes, req.ScreeningNotes...)

	tokens, joined := normalizeNotes(notes)
	if len(tokens) == 0 {
		return false
	}

	words := allMarketWords
	phrases := allMarketPhrases
	if !meta.Enhanced() {
		words = append(append([]string{}, allMarketWords...), basicMarketWords...)
		phrases = append(append([]string{}, allMarketPhrases...), basicMarketPhrases...)
	}

	for _, w := range words {
		if tokens[w] {
			return true
		}
	}
	for _, p := range phrases {
		if strings.Contains(joined, p) {
			return true
		}
	}
	return false
}

// normalizeNotes lower-cases, strips punctuation and collapses whitespace,
// producing the distinct token set and the single joined string.
func normalizeNotes(notes []string) (map[string]bool, string) {
	var b strings.Builder
	for _, n := range notes {
		b.WriteString(n)
		b.WriteByte(' ')
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, b.String())

	fields := strings.Fields(cleaned)
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens, strings.Join(fields, " ")
}
