// Package direct is the lightweight native HTTP path used for domains that
// do not require the rendering context. Clearance cookies obtained through
// the bypass path are attached as plain headers here.
package direct

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// Config holds direct-path configuration.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond bounds the per-domain request rate. Zero disables
	// limiting.
	RequestsPerSecond float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
	}
}

// Client performs conventional HTTP requests with stored cookie headers.
type Client struct {
	config Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a direct client.
func NewClient(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config:   cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get fetches targetURL. cookieHeader, when non-empty, is sent as the
// Cookie: header.
func (c *Client) Get(ctx context.Context, targetURL string, headers map[string]string, cookieHeader string) (fetch.Page, error) {
	return c.do(ctx, http.MethodGet, targetURL, "", headers, cookieHeader)
}

// PostForm submits a form-encoded body to targetURL.
func (c *Client) PostForm(ctx context.Context, targetURL, body string, headers map[string]string, cookieHeader string) (fetch.Page, error) {
	return c.do(ctx, http.MethodPost, targetURL, body, headers, cookieHeader)
}

func (c *Client) do(ctx context.Context, method, targetURL, body string, headers map[string]string, cookieHeader string) (fetch.Page, error) {
	result := fetch.Page{
		URL:       targetURL,
		FinalURL:  targetURL,
		FetchedAt: time.Now(),
	}

	if err := c.wait(ctx, targetURL); err != nil {
		return result, fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}

	// A fresh collector per request: cookie state lives in the store, not
	// in a shared jar.
	col := colly.NewCollector(colly.UserAgent(c.config.UserAgent))
	col.SetRequestTimeout(c.config.Timeout)

	col.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
		if cookieHeader != "" {
			r.Headers.Set("Cookie", cookieHeader)
		}
		if method == http.MethodPost && r.Headers.Get("Content-Type") == "" {
			r.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	})

	var fetchErr error
	col.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.HTML = string(r.Body)
		result.FinalURL = r.Request.URL.String()
	})
	col.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	var err error
	if method == http.MethodPost {
		err = col.Request(http.MethodPost, targetURL, strings.NewReader(body), nil, nil)
	} else {
		err = col.Visit(targetURL)
	}
	if err != nil {
		return result, fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}
	col.Wait()
	if fetchErr != nil {
		return result, fmt.Errorf("%w: %v", fetch.ErrNetwork, fetchErr)
	}

	result.Title = titleOf(result.HTML)
	logger.Debug("direct fetch complete",
		"method", method,
		"url", targetURL,
		"status_code", result.StatusCode,
		"size", len(result.HTML))
	return result, nil
}

// wait enforces the per-domain rate limit.
func (c *Client) wait(ctx context.Context, targetURL string) error {
	if c.config.RequestsPerSecond <= 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.RequestsPerSecond), 1)
		c.limiters[u.Host] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// titleOf extracts the document title, if the body is HTML at all.
func titleOf(html string) string {
	if !strings.Contains(html, "<title") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
