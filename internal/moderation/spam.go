package moderation

import (
	"regexp"
	"strings"
)

var (
	// The bare-domain form needs a trailing "/" so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5
	wordFloodRun = 3
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", func(s string) bool { return longestRun(strings.Split(s, "")) >= charFloodRun }},
	{"word_flood", func(s string) bool { return longestRun(strings.Fields(strings.ToLower(s))) >= wordFloodRun }},
}

func checkSpam(text string) Verdict {
	for _, c := range spamChecks {
		if c.match(text) {
			return Verdict{Flagged: true, Category: CategorySpam, Term: c.name}
		}
	}
	return Verdict{}
}

// longestRun returns the length of the longest run of equal adjacent items.
func longestRun(items []string) int {
	best, run := 0, 0
	for i, it := range items {
		if i > 0 && it == items[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
