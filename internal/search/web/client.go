package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

const maxContentChars = 20000

type Config struct {
	APIKey        string
	BaseURL       string
	MaxResults    int
	Timeout       time.Duration
	ScrapeContent bool
}

// Client collects recent news articles per symbol from the SerpAPI Google News engine and
// scrapes article bodies.
type Client struct {
	apiKey     string
	baseURL    string
	maxResults int
	scrape     bool
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://serpapi.com/search"
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		scrape:     cfg.ScrapeContent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type newsResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
	ISODate string `json:"iso_date"`
	Source  struct {
		Name string `json:"name"`
	} `json:"source"`
}

// Collect returns the articles published within window for each symbol. A failure for one
// symbol is logged and the others are still collected.
func (c *Client) Collect(ctx context.Context, symbols []string, window time.Duration) ([]models.RawDocument, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: search API key is not configured", models.ErrValidation)
	}

	cutoff := time.Now().UTC().Add(-window)
	seen := make(map[string]int)
	var docs []models.RawDocument
	var failures int

	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}

		results, err := c.searchNews(ctx, symbol, window)
		if err != nil {
			logger.Warn("News search failed", zap.String("symbol", symbol), zap.Error(err))
			failures++
			continue
		}

		for _, r := range results {
			published := parseDate(r)
			if window > 0 && published.Before(cutoff) {
				continue
			}
			if i, ok := seen[r.Link]; ok {
				docs[i].Symbols = appendUnique(docs[i].Symbols, symbol)
				continue
			}

			doc := models.RawDocument{
				URL:         r.Link,
				Title:       strings.TrimSpace(r.Title),
				Body:        r.Snippet,
				Source:      r.Source.Name,
				PublishedAt: published,
				Symbols:     []string{symbol},
			}
			if c.scrape {
				html, text, err := c.fetchArticle(ctx, r.Link)
				if err != nil {
					logger.Warn("Failed to scrape content", zap.String("url", r.Link), zap.Error(err))
				} else {
					doc.HTML = html
					doc.Body = text
				}
			}

			seen[r.Link] = len(docs)
			docs = append(docs, doc)
		}
	}

	if failures > 0 && failures == len(symbols) {
		return nil, fmt.Errorf("news search failed for every symbol")
	}

	logger.Info("News collection completed",
		zap.Strings("symbols", symbols),
		zap.Duration("window", window),
		zap.Int("documents", len(docs)),
	)
	return docs, nil
}

func (c *Client) searchNews(ctx context.Context, symbol string, window time.Duration) ([]newsResult, error) {
	params := url.Values{}
	params.Add("engine", "google_news")
	params.Add("q", fmt.Sprintf("%s crypto %s", symbol, whenClause(window)))
	params.Add("api_key", c.apiKey)
	params.Add("num", fmt.Sprintf("%d", c.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var searchResp struct {
		NewsResults []newsResult `json:"news_results"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := searchResp.NewsResults
	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}
	return results, nil
}

func (c *Client) fetchArticle(ctx context.Context, link string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cryptobroker-collector/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("article returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", "", err
	}

	text, err := ExtractText(string(raw))
	if err != nil {
		return "", "", err
	}
	return string(raw), text, nil
}

// ExtractText returns the readable article text of an HTML page. Paragraphs inside <article>
// win over page-wide paragraphs; boilerplate elements are dropped.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, form, noscript").Remove()

	paragraphs := collect(doc.Find("article p"))
	if len(paragraphs) == 0 {
		paragraphs = collect(doc.Find("p"))
	}

	var text string
	if len(paragraphs) > 0 {
		text = strings.Join(paragraphs, "\n\n")
	} else {
		text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	}

	if len(text) > maxContentChars {
		text = text[:maxContentChars]
	}
	return text, nil
}

func collect(sel *goquery.Selection) []string {
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		p := strings.Join(strings.Fields(s.Text()), " ")
		if p != "" {
			out = append(out, p)
		}
	})
	return out
}

// whenClause maps the collection window to the Google News "when:" operator.
func whenClause(window time.Duration) string {
	switch {
	case window <= 0:
		return ""
	case window <= time.Hour:
		return "when:1h"
	case window <= 24*time.Hour:
		return "when:1d"
	case window <= 7*24*time.Hour:
		return "when:7d"
	default:
		return fmt.Sprintf("when:%dd", int(window.Hours()/24))
	}
}

var dateLayouts = []string{
	"01/02/2006, 03:04 PM, -0700 MST",
	"01/02/2006, 03:04 PM, +0000 UTC",
	"Jan 2, 2006",
}

func parseDate(r newsResult) time.Time {
	if t, err := time.Parse(time.RFC3339, r.ISODate); err == nil {
		return t.UTC()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, r.Date); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
