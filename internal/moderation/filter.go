// Package moderation files abuse reports and screens stored transcripts for
// content a reviewer should look at first.
package moderation

import (
	"strings"
	"unicode"

	"github.com/whisper/strangers/internal/chat"
)

// Verdict categories.
const (
	CategoryKeyword = "keyword"
	CategorySpam    = "spam"
)

// Verdict is the outcome of checking one line. Term names the matched keyword
// or spam check.
type Verdict struct {
	Flagged  bool
	Category string
	Term     string
}

// Finding is a flagged transcript entry.
type Finding struct {
	Index    int
	SenderID string
	Verdict  Verdict
}

// defaultTerms seeds NewFilter. Multi-word entries match as whole phrases.
var defaultTerms = []string{
	"kill yourself",
	"go die",
	"send nudes",
	"child porn",
	"bomb threat",
	"free bitcoin",
	"onlyfans",
	"cashapp",
}

// leet maps common character substitutions back to letters.
var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'$': 's',
	'5': 's',
	'7': 't',
}

// Filter flags keywords, phrases and spam patterns. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter loaded with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter for the given terms only.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		tokens := tokenize(t, false)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens one line. Keywords are checked before spam patterns.
func (f *Filter) Check(text string) Verdict {
	for _, substitute := range []bool{false, true} {
		if term, ok := f.matchTerms(tokenize(text, substitute)); ok {
			return Verdict{Flagged: true, Category: CategoryKeyword, Term: term}
		}
	}
	return checkSpam(text)
}

// Scan checks every transcript entry and returns the flagged ones in order.
func (f *Filter) Scan(entries []chat.Entry) []Finding {
	var out []Finding
	for i, e := range entries {
		if v := f.Check(e.Message); v.Flagged {
			out = append(out, Finding{Index: i, SenderID: e.SenderID, Verdict: v})
		}
	}
	return out
}

func (f *Filter) matchTerms(tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// tokenize lowercases text and splits it on anything that is not a letter or
// digit. With substitute set, leetspeak characters are mapped to letters
// first.
func tokenize(text string, substitute bool) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if substitute {
			if m, ok := leet[r]; ok {
				r = m
			}
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
