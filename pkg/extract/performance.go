package extract

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

const defaultPerformanceEndpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

// PerformanceConfig configures the PageSpeed-style performance probe.
type PerformanceConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// PerformanceProbe reads lab metrics for a URL from a Lighthouse report API.
type PerformanceProbe struct {
	endpoint string
	apiKey   string
	client   *retryablehttp.Client
}

// NewPerformanceProbe builds a probe.
func NewPerformanceProbe(cfg PerformanceConfig) *PerformanceProbe {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = 1
	client.HTTPClient.Timeout = cfg.Timeout
	if client.HTTPClient.Timeout <= 0 {
		client.HTTPClient.Timeout = 90 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultPerformanceEndpoint
	}
	return &PerformanceProbe{endpoint: endpoint, apiKey: cfg.APIKey, client: client}
}

// Measure returns score (0-100), LCP in milliseconds and CLS. Metrics absent
// from the report are left nil.
func (p *PerformanceProbe) Measure(ctx context.Context, pageURL string) (*monitor.PerformanceData, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("category", "performance")
	q.Set("strategy", "mobile")
	if p.apiKey != "" {
		q.Set("key", p.apiKey)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, Errorf(CodeUnknown, "build performance request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Errorf(CodeTimeout, "performance %s: %v", pageURL, err)
		}
		return nil, Errorf(CodeAPIError, "performance %s: %v", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errorf(CodeAPIError, "read performance response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(CodeAPIError, "performance %s: status %d", pageURL, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, Errorf(CodeAPIError, "performance %s: invalid JSON", pageURL)
	}
	return parsePerformance(body)
}

func parsePerformance(body []byte) (*monitor.PerformanceData, error) {
	lh := gjson.GetBytes(body, "lighthouseResult")
	if !lh.Exists() {
		return nil, fmt.Errorf("no lighthouseResult in response")
	}
	data := &monitor.PerformanceData{}
	if v := lh.Get("categories.performance.score"); v.Exists() && v.Type == gjson.Number {
		score := v.Float() * 100
		data.Score = &score
	}
	if v := lh.Get("audits.largest-contentful-paint.numericValue"); v.Exists() && v.Type == gjson.Number {
		lcp := v.Float()
		data.LCPMs = &lcp
	}
	if v := lh.Get("audits.cumulative-layout-shift.numericValue"); v.Exists() && v.Type == gjson.Number {
		cls := v.Float()
		data.CLS = &cls
	}
	return data, nil
}
