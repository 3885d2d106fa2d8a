// Package websearch is the optional research tool consumed by the Writer
// step. Results are ephemeral: they feed one prompt and are never persisted
// into the knowledge base.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the read-only web-search collaborator interface.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, provider string) ([]Result, error)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Client scrapes SERP HTML so no API key is required. Bing is preferred for
// "auto" because DuckDuckGo times out on some networks.
type Client struct {
	httpClient *http.Client

	bingBase string
	ddgBase  string
}

var _ Searcher = (*Client)(nil)

// NewClient creates a web search client with a bounded timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 12 * time.Second},
		bingBase:   "https://cn.bing.com/search",
		ddgBase:    "https://html.duckduckgo.com/html/",
	}
}

// Search runs the query against the requested provider ("auto", "bing" or
// "duckduckgo"), falling through providers on failure. limit is clamped to
// [1, 10].
func (c *Client) Search(ctx context.Context, query string, limit int, provider string) ([]Result, error) {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 10 {
		limit = 10
	}

	var providers []string
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "ddg", "duckduckgo":
		providers = []string{"duckduckgo"}
	case "bing":
		providers = []string{"bing"}
	default:
		providers = []string{"bing", "duckduckgo"}
	}

	var errs []string
	for _, p := range providers {
		var results []Result
		var err error
		switch p {
		case "bing":
			results, err = c.searchBing(ctx, q, limit)
		case "duckduckgo":
			results, err = c.searchDuckDuckGo(ctx, q, limit)
		}
		if err != nil {
			errs = append(errs, p+":"+err.Error())
			continue
		}
		return results, nil
	}
	return nil, fmt.Errorf("web_search_failed: %s", strings.Join(errs, "; "))
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http_%d", resp.StatusCode)
	}
	return html.Parse(resp.Body)
}

func (c *Client) searchBing(ctx context.Context, query string, limit int) ([]Result, error) {
	doc, err := c.fetch(ctx, c.bingBase+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, item := range nodesWithClass(doc, "li", "b_algo") {
		link := firstLink(item)
		if link == nil {
			continue
		}
		title := cleanText(textContent(link))
		href := strings.TrimSpace(attrValue(link, "href"))
		if title == "" || href == "" {
			continue
		}
		snippet := ""
		if p := firstTag(item, "p"); p != nil {
			snippet = cleanText(textContent(p))
		}
		out = append(out, Result{Title: title, URL: href, Snippet: snippet})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Client) searchDuckDuckGo(ctx context.Context, query string, limit int) ([]Result, error) {
	doc, err := c.fetch(ctx, c.ddgBase+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, item := range nodesWithClass(doc, "div", "result") {
		link := firstWithClass(item, "a", "result__a")
		if link == nil {
			continue
		}
		title := cleanText(textContent(link))
		href := strings.TrimSpace(attrValue(link, "href"))
		if title == "" || href == "" {
			continue
		}
		snippet := ""
		if sn := firstWithClass(item, "a", "result__snippet"); sn != nil {
			snippet = cleanText(textContent(sn))
		}
		out = append(out, Result{Title: title, URL: href, Snippet: snippet})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func nodesWithClass(root *html.Node, tag, class string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == tag && hasClass(n, class) {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

func firstTag(root *html.Node, tag string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return false
		}
		return true
	})
	return found
}

func firstWithClass(root *html.Node, tag, class string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == tag && hasClass(n, class) {
			found = n
			return false
		}
		return true
	})
	return found
}

func firstLink(root *html.Node) *html.Node {
	if h2 := firstTag(root, "h2"); h2 != nil {
		if a := firstTag(h2, "a"); a != nil {
			return a
		}
	}
	return firstTag(root, "a")
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(node *html.Node) bool {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		return true
	})
	return sb.String()
}
