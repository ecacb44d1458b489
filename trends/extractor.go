package trends

import (
	"context"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/internal/httpclient"
)

// RawItem is one unprocessed extraction result: raw text exactly as the
// platform displays it, metrics unparsed.
type RawItem struct {
	Title    string
	Hashtags []string
	Likes    string
	Shares   string
	Comments string
}

// Extractor pulls raw items from a source. Implementations own transport
// details; callers own normalization and scoring.
type Extractor interface {
	Scrape(ctx context.Context, src SourceConfig) ([]RawItem, error)
}

// maxItemsPerScrape bounds how many items one fetch considers; top-K trimming
// happens downstream so there is no point extracting whole feeds.
const maxItemsPerScrape = 10

// HTMLExtractor fetches a source's static HTML and applies its selector
// fallback lists. Requests are rate limited across all sources to stay
// polite toward the scraped platforms.
type HTMLExtractor struct {
	client  *httpclient.SaferClient
	limiter *rate.Limiter
}

// NewHTMLExtractor wraps client with a shared limit of requestsPerMinute
// outbound fetches (0 or negative disables limiting).
func NewHTMLExtractor(client *httpclient.SaferClient, requestsPerMinute int) *HTMLExtractor {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}
	return &HTMLExtractor{client: client, limiter: limiter}
}

// Scrape fetches src.URL and extracts up to maxItemsPerScrape raw items using
// the source's ordered selector fallbacks.
func (e *HTMLExtractor) Scrape(ctx context.Context, src SourceConfig) ([]RawItem, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL for source %s", src.Name)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", src.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("source %s returned status %d", src.Name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse HTML from %s", src.Name)
	}

	return extractItems(doc, src.Selectors), nil
}

// extractItems walks the item selector fallbacks in order, collecting nodes
// until the cap is reached, then reads each field through its own fallback
// list.
func extractItems(doc *goquery.Document, selectors SelectorSet) []RawItem {
	var nodes []*goquery.Selection
	for _, css := range selectors.Item {
		doc.Find(css).Each(func(_ int, sel *goquery.Selection) {
			if len(nodes) < maxItemsPerScrape {
				nodes = append(nodes, sel)
			}
		})
		if len(nodes) >= maxItemsPerScrape {
			break
		}
	}

	items := make([]RawItem, 0, len(nodes))
	for _, node := range nodes {
		items = append(items, RawItem{
			Title:    firstText(node, selectors.Title),
			Hashtags: collectTexts(node, selectors.Hashtags),
			Likes:    firstText(node, selectors.Likes),
			Shares:   firstText(node, selectors.Shares),
			Comments: firstText(node, selectors.Comments),
		})
	}
	return items
}

// firstText returns the first non-empty text produced by the ordered
// selector fallback list.
func firstText(node *goquery.Selection, selectors []string) string {
	for _, css := range selectors {
		text := strings.TrimSpace(node.Find(css).First().Text())
		if text != "" {
			return text
		}
	}
	return ""
}

// collectTexts gathers every non-empty text across all selectors in the list.
func collectTexts(node *goquery.Selection, selectors []string) []string {
	var values []string
	for _, css := range selectors {
		node.Find(css).Each(func(_ int, sel *goquery.Selection) {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				values = append(values, text)
			}
		})
	}
	return values
}

// StubExtractor serves canned items per source, for tests and stub mode.
type StubExtractor struct {
	Items map[string][]RawItem
	Errs  map[string]error
}

// Scrape returns the canned result for src.Name.
func (s *StubExtractor) Scrape(_ context.Context, src SourceConfig) ([]RawItem, error) {
	if err := s.Errs[src.Name]; err != nil {
		return nil, err
	}
	return s.Items[src.Name], nil
}
