// Package normalize canonicalizes raw name text into a comparison key.
// The same function runs at write time (to populate normalized_name) and at
// query time (to build prefix and fuzzy-match predicates), so it must be
// pure and deterministic. It never fails; unrecognized characters pass
// through unchanged.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Script hints accepted by Normalize. Unknown hints fall back to detection.
const (
	ScriptCyrillic = "Cyrl"
	ScriptLatin    = "Latn"
)

// cyrillicFold maps Ukrainian-specific letters (and the Russian vowels that
// diverge from them) onto a shared counterpart, so that near-duplicate
// spellings across the two languages collapse to one key without full
// transliteration. Soft and hard signs carry no comparison value and are
// dropped.
var cyrillicFold = map[rune]rune{
	'і': 'и',
	'ї': 'и',
	'є': 'е',
	'ґ': 'г',
	'ы': 'и',
	'э': 'е',
	'ё': 'е',
	'ь': -1,
	'ъ': -1,
}

// stripMarks removes combining marks after NFD decomposition. This folds
// й→и and diacritic-carrying Latin letters to their base form, then NFC
// recomposes what is left.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips punctuation, collapses whitespace and applies
// script-specific letter folding. scriptHint is advisory; when empty the
// script is detected from the text itself.
func Normalize(raw, scriptHint string) string {
	folded, _, err := transform.String(stripMarks, raw)
	if err != nil {
		// Transform only fails on malformed UTF-8; keep the raw text so the
		// contract of never failing holds.
		folded = raw
	}

	folded = strings.ToLower(folded)

	cyrillic := scriptHint == ScriptCyrillic || (scriptHint != ScriptLatin && containsCyrillic(folded))

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if cyrillic {
			if repl, ok := cyrillicFold[r]; ok {
				if repl == -1 {
					continue
				}
				r = repl
			}
		}
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// Apostrophes, hyphens, quotation marks and the like never
			// distinguish two spellings of the same toponym.
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}
