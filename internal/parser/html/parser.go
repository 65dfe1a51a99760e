// Package htmlparser extracts follow-up links from HTML responses.
package htmlparser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// DefaultPriorityStep is added to the parent priority for discovered links.
const DefaultPriorityStep = 1

// Config controls link extraction.
type Config struct {
	// PriorityStep is added to the parent's priority; 0 uses DefaultPriorityStep.
	PriorityStep int
}

// Parser implements crawler.Parser for HTML documents.
type Parser struct {
	step int
}

// New builds a Parser.
func New(cfg Config) *Parser {
	if cfg.PriorityStep <= 0 {
		cfg.PriorityStep = DefaultPriorityStep
	}
	return &Parser{step: cfg.PriorityStep}
}

// Parse returns one work item per distinct link in resp. Non-HTML
// responses yield nothing.
func (p *Parser) Parse(_ context.Context, resp crawler.Response) ([]crawler.WorkItem, error) {
	if len(resp.Body) == 0 || !isHTML(resp) {
		return nil, nil
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("parse response url %q: %w", resp.URL, err)
	}
	links, err := extractLinks(base, resp.Body)
	if err != nil {
		return nil, err
	}

	items := make([]crawler.WorkItem, 0, len(links))
	for _, link := range links {
		items = append(items, crawler.NewWorkItem(link,
			crawler.WithPriority(resp.Item.Priority+p.step),
			crawler.WithExtra(map[string]any{"referrer": resp.URL}),
		))
	}
	return items, nil
}

func isHTML(resp crawler.Response) bool {
	ct := resp.Headers.Get("Content-Type")
	return ct == "" || strings.Contains(ct, "html")
}

// extractLinks resolves every a[href] against base, honouring a <base>
// element, and drops fragments and duplicates.
func extractLinks(base *url.URL, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || u.Host == "" {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		link := u.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links, nil
}
