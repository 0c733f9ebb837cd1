package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RSSSource fetches a single RSS feed over HTTP.
type RSSSource struct {
	name   string
	url    string
	client *http.Client
}

// NewRSSSource builds a feed source. A nil client falls back to a default
// with a sane timeout; per-fetch deadlines still come from the caller ctx.
func NewRSSSource(name, url string, client *http.Client) *RSSSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RSSSource{name: name, url: url, client: client}
}

func (s *RSSSource) Name() string { return s.name }

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
}

func (s *RSSSource) Fetch(ctx context.Context, category string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "newswatch/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss %s: status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	var doc rssDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("rss %s: %w", s.name, err)
	}

	items := make([]Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		items = append(items, Item{
			Title:     it.Title,
			Summary:   it.Description,
			URL:       it.Link,
			Source:    s.name,
			Published: parsePubDate(it.PubDate),
		})
	}
	return items, nil
}

var pubDateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
}

func parsePubDate(s string) time.Time {
	for _, f := range pubDateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
