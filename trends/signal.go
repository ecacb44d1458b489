// Package trends turns raw scraped engagement data into ranked trend signals:
// text normalization, metric parsing, categorization, and per-source top-K
// selection, coordinated across sources behind per-platform circuit breakers.
package trends

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// RawSignal is one scraped item after normalization and scoring.
type RawSignal struct {
	Source          string    `json:"source"`
	Keyword         string    `json:"keyword"`
	Category        string    `json:"category"`
	EngagementScore int       `json:"engagement_score"`
	CapturedAt      time.Time `json:"captured_at"`
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "a": {}, "of": {}, "to": {}, "in": {},
}

// NormalizeText lowercases text, strips emoji and punctuation, drops
// stopwords, and collapses whitespace. Returns "" when nothing survives.
func NormalizeText(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	kept := words[:0]
	for _, w := range words {
		if _, stop := stopwords[w]; !stop {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

var metricNumberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseMetric parses an engagement counter as displayed by a platform:
// bare integers, comma thousands separators, and "K"/"M" suffix multipliers
// ("1.2K" -> 1200, "3M" -> 3000000). Unparsable or empty input yields 0.
func ParseMetric(value string) int {
	if value == "" {
		return 0
	}
	cleaned := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), ",", "")
	match := metricNumberRe.FindString(cleaned)
	if match == "" {
		return 0
	}
	base, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	if strings.Contains(cleaned, "m") {
		base *= 1_000_000
	} else if strings.Contains(cleaned, "k") {
		base *= 1_000
	}
	return int(base)
}

// categoryRule maps a category to the keyword substrings that select it.
// Order matters: the first matching category wins.
type categoryRule struct {
	name       string
	substrings []string
}

var categoryRules = []categoryRule{
	{"animals", []string{"cat", "dog", "pet", "animal"}},
	{"activism", []string{"protest", "climate", "justice", "rights"}},
	{"sports", []string{"game", "soccer", "basketball", "tennis"}},
}

// Categorize assigns a category by substring match against an ordered rule
// table; unmatched keywords fall into "other".
func Categorize(keyword string) string {
	for _, rule := range categoryRules {
		for _, sub := range rule.substrings {
			if strings.Contains(keyword, sub) {
				return rule.name
			}
		}
	}
	return "other"
}

// Engagement is the combined score of one item's counters.
func Engagement(likes, shares, comments int) int {
	return likes + shares + comments
}

// TopK keeps the k highest-scoring signals, descending; ties keep original
// scrape order.
func TopK(signals []RawSignal, k int) []RawSignal {
	if k <= 0 || len(signals) == 0 {
		return nil
	}
	ranked := make([]RawSignal, len(signals))
	copy(ranked, signals)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EngagementScore > ranked[j].EngagementScore
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
