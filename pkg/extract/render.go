package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// RenderConfig configures the headless render service client.
type RenderConfig struct {
	Endpoint string
	Token    string
	PoolSize int
	Timeout  time.Duration
}

// renderSession is one browser slot on the render service. Sessions keep
// their own cookie jar so consent banners dismissed once stay dismissed.
type renderSession struct {
	client *retryablehttp.Client
}

// RenderClient fetches pages through a headless browser service exposing
// /content and /screenshot endpoints.
type RenderClient struct {
	endpoint string
	token    string
	pool     *Pool[*renderSession]
}

// NewRenderClient builds a render client with its own session pool.
func NewRenderClient(cfg RenderConfig) (*RenderClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("render endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid render endpoint: %v", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	rc := &RenderClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
	}
	rc.pool = NewPool(cfg.PoolSize, func(ctx context.Context) (*renderSession, error) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client := retryablehttp.NewClient()
		client.Logger = log.New(io.Discard, "", 0)
		client.RetryMax = 1
		client.ErrorHandler = retryablehttp.PassthroughErrorHandler
		client.HTTPClient.Timeout = timeout
		client.HTTPClient.Jar = jar
		return &renderSession{client: client}, nil
	}, func(s *renderSession) {
		s.client.HTTPClient.CloseIdleConnections()
	})
	return rc, nil
}

// Close releases all idle sessions.
func (rc *RenderClient) Close() {
	rc.pool.Close()
}

type renderRequest struct {
	URL                 string            `json:"url"`
	GotoOptions         map[string]string `json:"gotoOptions,omitempty"`
	SetExtraHTTPHeaders map[string]string `json:"setExtraHTTPHeaders,omitempty"`
	Options             map[string]any    `json:"options,omitempty"`
}

// Fetch renders the page and returns the resulting DOM.
func (rc *RenderClient) Fetch(ctx context.Context, rawURL string, mctx monitor.MonitoringContext) (*Page, error) {
	var page *Page
	err := rc.pool.With(ctx, func(s *renderSession) error {
		body, err := rc.call(ctx, s, "/content", rc.request(rawURL, mctx, nil))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(body)) == "" {
			return Errorf(CodeEmpty, "render %s: empty document", rawURL)
		}
		page = &Page{URL: rawURL, StatusCode: http.StatusOK, HTML: string(body)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Screenshot captures a full-page PNG.
func (rc *RenderClient) Screenshot(ctx context.Context, rawURL string, mctx monitor.MonitoringContext) ([]byte, error) {
	var shot []byte
	err := rc.pool.With(ctx, func(s *renderSession) error {
		opts := map[string]any{"fullPage": true, "type": "png"}
		body, err := rc.call(ctx, s, "/screenshot", rc.request(rawURL, mctx, opts))
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return Errorf(CodeEmpty, "screenshot %s: empty image", rawURL)
		}
		shot = body
		return nil
	})
	return shot, err
}

func (rc *RenderClient) request(rawURL string, mctx monitor.MonitoringContext, opts map[string]any) renderRequest {
	return renderRequest{
		URL:                 rawURL,
		GotoOptions:         map[string]string{"waitUntil": "networkidle2"},
		SetExtraHTTPHeaders: map[string]string{"Accept-Language": AcceptLanguage(mctx.Key)},
		Options:             opts,
	}
}

func (rc *RenderClient) call(ctx context.Context, s *renderSession, path string, payload renderRequest) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(CodeUnknown, "encode render request: %v", err)
	}
	endpoint := rc.endpoint + path
	if rc.token != "" {
		endpoint += "?token=" + url.QueryEscape(rc.token)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, Errorf(CodeUnknown, "build render request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || Classify(err) == CodeTimeout {
			return nil, Errorf(CodeTimeout, "render %s: %v", payload.URL, err)
		}
		return nil, Errorf(CodeAPIError, "render %s: %v", payload.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Errorf(Classify(err), "read render response: %v", err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return nil, Errorf(CodeBlocked, "render %s: status %d", payload.URL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Errorf(CodeAPIError, "render %s: status %d: %s", payload.URL, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
