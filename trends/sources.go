package trends

import (
	"time"

	"github.com/spf13/viper"

	"github.com/trendmill/trendmill/errors"
)

// SelectorSet holds the extraction selectors for one source. Each field is an
// ordered fallback list: the first selector yielding non-empty text wins.
type SelectorSet struct {
	Item     []string `mapstructure:"item"`
	Title    []string `mapstructure:"title"`
	Hashtags []string `mapstructure:"hashtags"`
	Likes    []string `mapstructure:"likes"`
	Shares   []string `mapstructure:"shares"`
	Comments []string `mapstructure:"comments"`
}

// SourceConfig describes one scraped platform. Built at startup, never
// mutated afterwards.
type SourceConfig struct {
	Name             string        `mapstructure:"name"`
	URL              string        `mapstructure:"url"`
	Selectors        SelectorSet   `mapstructure:"selectors"`
	WaitFor          string        `mapstructure:"wait_for"`
	ScrollIterations int           `mapstructure:"scroll_iterations"`
	Timeout          time.Duration `mapstructure:"-"`
}

// Registry is an ordered, read-only set of source configurations.
type Registry struct {
	sources []SourceConfig
	byName  map[string]int
}

// NewRegistry builds a registry preserving the given order. A later source
// with a duplicate name replaces the earlier one in place.
func NewRegistry(sources ...SourceConfig) *Registry {
	r := &Registry{byName: make(map[string]int, len(sources))}
	for _, src := range sources {
		if i, ok := r.byName[src.Name]; ok {
			r.sources[i] = src
			continue
		}
		r.byName[src.Name] = len(r.sources)
		r.sources = append(r.sources, src)
	}
	return r
}

// Get returns the configuration for a named source.
func (r *Registry) Get(name string) (SourceConfig, bool) {
	i, ok := r.byName[name]
	if !ok {
		return SourceConfig{}, false
	}
	return r.sources[i], true
}

// All returns the sources in registry order.
func (r *Registry) All() []SourceConfig {
	out := make([]SourceConfig, len(r.sources))
	copy(out, r.sources)
	return out
}

// Names returns the source names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name
	}
	return names
}

// Override merges file-provided sources over this registry: same-name entries
// are replaced, new names are appended.
func (r *Registry) Override(sources []SourceConfig) *Registry {
	merged := append(r.All(), sources...)
	return NewRegistry(merged...)
}

// LoadSourcesFile reads source overrides from a TOML file with a [[sources]]
// array of tables.
func LoadSourcesFile(path string) ([]SourceConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read sources file %s", path)
	}

	var parsed struct {
		Sources []SourceConfig `mapstructure:"sources"`
	}
	if err := v.Unmarshal(&parsed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse sources file %s", path)
	}

	for i, src := range parsed.Sources {
		if src.Name == "" {
			return nil, errors.Newf("sources[%d]: name is required", i)
		}
		if src.URL == "" {
			return nil, errors.Newf("source %s: url is required", src.Name)
		}
	}
	return parsed.Sources, nil
}

// BuiltinRegistry returns the default platform configurations.
func BuiltinRegistry() *Registry {
	return NewRegistry(
		SourceConfig{
			Name: "tiktok",
			URL:  "https://www.tiktok.com/foryou",
			Selectors: SelectorSet{
				Item:     []string{"div[data-e2e='recommend-list-item-container']", "div[data-e2e='search-card']"},
				Title:    []string{"h3[data-e2e='user-title']", "div[data-e2e='video-desc']"},
				Hashtags: []string{"a[data-e2e='browse-hashtag']", "strong[data-e2e='text-tag']"},
				Likes:    []string{"strong[data-e2e='like-count']", "strong[data-e2e='video-like-count']"},
				Shares:   []string{"strong[data-e2e='share-count']"},
				Comments: []string{"strong[data-e2e='comment-count']"},
			},
			WaitFor:          "div[data-e2e='recommend-list-item-container']",
			ScrollIterations: 2,
		},
		SourceConfig{
			Name: "instagram",
			URL:  "https://www.instagram.com/explore/",
			Selectors: SelectorSet{
				Item:     []string{"article div._aabd._aa8k._aanf", "article div._aagu"},
				Title:    []string{"img"},
				Hashtags: []string{"a[href*='/explore/tags/']"},
				Likes:    []string{"span[aria-label*='likes']"},
				Shares:   []string{"span[aria-label*='shares']"},
				Comments: []string{"span[aria-label*='comments']"},
			},
			WaitFor:          "article",
			ScrollIterations: 1,
		},
		SourceConfig{
			Name: "twitter",
			URL:  "https://twitter.com/explore",
			Selectors: SelectorSet{
				Item:     []string{"article[data-testid='tweet']"},
				Title:    []string{"div[data-testid='tweetText']"},
				Hashtags: []string{"a[role='link'][href*='/hashtag']"},
				Likes:    []string{"div[data-testid='like'] span"},
				Shares:   []string{"div[data-testid='retweet'] span"},
				Comments: []string{"div[data-testid='reply'] span"},
			},
			WaitFor:          "article[data-testid='tweet']",
			ScrollIterations: 1,
		},
		SourceConfig{
			Name: "pinterest",
			URL:  "https://www.pinterest.com/today/",
			Selectors: SelectorSet{
				Item:     []string{"div[data-test-id='pin']", "div[data-test-id='pinWrapper']"},
				Title:    []string{"div[data-test-id='pin-description']", "h3"},
				Hashtags: []string{"a[href*='/search/pins/']", "a[data-test-id='hashtag']"},
				Likes:    []string{"span[data-test-id='save-count']", "span[data-test-id='repin-count']"},
				Shares:   []string{"span[data-test-id='repin-count']"},
				Comments: []string{"span[data-test-id='comment-count']"},
			},
			WaitFor:          "div[data-test-id='pin']",
			ScrollIterations: 2,
		},
		SourceConfig{
			Name: "etsy",
			URL:  "https://www.etsy.com/trending-items",
			Selectors: SelectorSet{
				Item:     []string{"li.wt-list-unstyled.wt-show-lg", "li[data-search-results]"},
				Title:    []string{"h3", "a.listing-link"},
				Hashtags: []string{"ul.wt-list-inline a"},
				Likes:    []string{"span[data-bestseller]", "span[data-favorites]"},
				Shares:   []string{"span[data-favorites]"},
				Comments: []string{"span[data-reviews-count]"},
			},
			WaitFor: "li.wt-list-unstyled.wt-show-lg",
		},
	)
}
