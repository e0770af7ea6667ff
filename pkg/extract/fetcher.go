package extract

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html/charset"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	maxBodyBytes     = 8 << 20
)

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
}

// Fetcher retrieves a page as seen from a monitoring context.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, mctx monitor.MonitoringContext) (*Page, error)
}

// FetchConfig configures the lightweight fetcher.
type FetchConfig struct {
	Proxy     string
	RetryMax  int
	Timeout   time.Duration
	UserAgent string
}

// HTTPFetcher is the lightweight, non-rendering fetcher.
type HTTPFetcher struct {
	client    *retryablehttp.Client
	userAgent string
}

// NewHTTPFetcher builds a lightweight fetcher.
func NewHTTPFetcher(cfg FetchConfig) (*HTTPFetcher, error) {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = cfg.RetryMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if client.RetryMax <= 0 {
		client.RetryMax = 2
	}
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	if client.HTTPClient.Timeout <= 0 {
		client.HTTPClient.Timeout = 30 * time.Second
	}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %v", err)
		}
		client.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &HTTPFetcher{client: client, userAgent: ua}, nil
}

// Fetch performs a GET with locale headers and decodes the body to UTF-8.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, mctx monitor.MonitoringContext) (*Page, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Errorf(CodeUnknown, "build request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", AcceptLanguage(mctx.Key))
	req.Header.Set("Cache-Control", "no-transform")

	resp, err := f.client.Do(req)
	if err != nil {
		if Classify(err) == CodeTimeout || ctx.Err() != nil {
			return nil, Errorf(CodeTimeout, "fetch %s: %v", rawURL, err)
		}
		return nil, Errorf(CodeUnknown, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return nil, Errorf(CodeBlocked, "fetch %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Errorf(CodeUnknown, "fetch %s: status %d", rawURL, resp.StatusCode)
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, Errorf(CodeUnknown, "decode %s: %v", rawURL, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, Errorf(Classify(err), "read %s: %v", rawURL, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, Errorf(CodeEmpty, "fetch %s: empty body", rawURL)
	}

	return &Page{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, HTML: string(body)}, nil
}

// AcceptLanguage derives an Accept-Language header from a context key such
// as "de", "en-gb" or "us".
func AcceptLanguage(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	switch key {
	case "", "global", "default":
		return "en"
	case "us":
		return "en-US,en;q=0.8"
	case "uk", "gb":
		return "en-GB,en;q=0.8"
	case "eu":
		return "en-IE,en;q=0.8"
	case "jp":
		return "ja-JP,ja;q=0.9,en;q=0.5"
	case "in":
		return "en-IN,hi;q=0.8,en;q=0.5"
	case "br":
		return "pt-BR,pt;q=0.9,en;q=0.5"
	}
	if len(key) == 2 {
		return key + "-" + strings.ToUpper(key) + "," + key + ";q=0.9,en;q=0.5"
	}
	return key + ",en;q=0.5"
}
