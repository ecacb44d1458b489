package trends

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"stopwords and emoji removed", "The 🐶 Dog and THE Cat", "dog cat"},
		{"case folded", "SOCCER Game", "soccer game"},
		{"punctuation stripped", "cats, dogs & pets!", "cats dogs pets"},
		{"whitespace collapsed", "  retro   poster  ", "retro poster"},
		{"only stopwords", "the and a of to in", ""},
		{"empty", "", ""},
		{"digits kept", "top 10 dogs", "top 10 dogs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.input))
		})
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"1.2K", 1200},
		{"3M", 3000000},
		{"42", 42},
		{"1,234", 1234},
		{"2.5m", 2500000},
		{" 17k ", 17000},
		{"", 0},
		{"not a number", 0},
		{"1.5K likes", 1500},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMetric(tt.input))
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		keyword string
		want    string
	}{
		{"funny cat video", "animals"},
		{"dog grooming tips", "animals"},
		{"climate march downtown", "activism"},
		{"basketball highlights", "sports"},
		{"handmade ceramic mug", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.keyword))
		})
	}
}

func TestCategorizeFirstMatchWins(t *testing.T) {
	// Matches both "cat" (animals) and "game" (sports); the earlier rule
	// in the table decides.
	assert.Equal(t, "animals", Categorize("cat game stream"))
}

func TestEngagement(t *testing.T) {
	assert.Equal(t, 1700, Engagement(1200, 300, 200))
	assert.Equal(t, 0, Engagement(0, 0, 0))
}

func TestTopKKeepsHighestScores(t *testing.T) {
	now := time.Now()
	signals := []RawSignal{
		{Keyword: "a", EngagementScore: 10, CapturedAt: now},
		{Keyword: "b", EngagementScore: 50, CapturedAt: now},
		{Keyword: "c", EngagementScore: 30, CapturedAt: now},
		{Keyword: "d", EngagementScore: 40, CapturedAt: now},
	}

	top := TopK(signals, 2)
	assert.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Keyword)
	assert.Equal(t, "d", top[1].Keyword)
}

func TestTopKTiesKeepScrapeOrder(t *testing.T) {
	signals := []RawSignal{
		{Keyword: "first", EngagementScore: 10},
		{Keyword: "second", EngagementScore: 10},
		{Keyword: "third", EngagementScore: 10},
	}

	top := TopK(signals, 2)
	assert.Equal(t, "first", top[0].Keyword)
	assert.Equal(t, "second", top[1].Keyword)
}

func TestTopKSmallerInput(t *testing.T) {
	signals := []RawSignal{{Keyword: "only", EngagementScore: 1}}

	assert.Len(t, TopK(signals, 5), 1)
	assert.Nil(t, TopK(nil, 5))
	assert.Nil(t, TopK(signals, 0))
}
