// Package extract fetches competitor pages in a monitoring context and turns
// them into structured signal content.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Screenshotter captures a visual evidence artifact for a page.
type Screenshotter interface {
	Screenshot(ctx context.Context, rawURL string, mctx monitor.MonitoringContext) ([]byte, error)
}

// Prober measures page performance.
type Prober interface {
	Measure(ctx context.Context, pageURL string) (*monitor.PerformanceData, error)
}

// Request is one extraction call.
type Request struct {
	URL          string
	Context      monitor.MonitoringContext
	Method       monitor.Method
	WantEvidence bool
}

// Outcome is the result of an extraction. Success with empty Content never
// happens; that case is reported as CodeEmpty.
type Outcome struct {
	Success     bool
	Method      monitor.Method
	Content     monitor.Content
	ContentHash string
	Body        string
	Evidence    []byte
	EvidenceErr error
	Warnings    []string
	Code        Code
	Err         string
}

// Service routes requests to the lightweight or rich fetcher and parses
// the result.
type Service struct {
	light   Fetcher
	rich    Fetcher
	screens Screenshotter
	perf    Prober
}

// NewService wires the fetchers. rich, screens and perf may be nil.
func NewService(light, rich Fetcher, screens Screenshotter, perf Prober) *Service {
	return &Service{light: light, rich: rich, screens: screens, perf: perf}
}

// HasRich reports whether a rich renderer is configured.
func (s *Service) HasRich() bool {
	return s.rich != nil
}

// Extract fetches and parses one page.
func (s *Service) Extract(ctx context.Context, req Request) Outcome {
	out := Outcome{Method: req.Method}

	fetcher := s.light
	if req.Method == monitor.MethodRichRender {
		if s.rich == nil {
			return failed(out, Errorf(CodeAPIError, "rich renderer not configured"))
		}
		fetcher = s.rich
	}
	if fetcher == nil {
		return failed(out, Errorf(CodeUnknown, "no fetcher configured"))
	}

	page, err := fetcher.Fetch(ctx, req.URL, req.Context)
	if err != nil {
		return failed(out, err)
	}
	out.Body = page.HTML

	content, err := Parse(page.HTML, page.URL)
	if err != nil {
		return failed(out, Errorf(CodeUnknown, "parse %s: %v", req.URL, err))
	}

	if s.perf != nil {
		perf, err := s.perf.Measure(ctx, req.URL)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("performance probe: %v", err))
		} else {
			content.Performance = perf
		}
	}

	if content.Empty() {
		return failed(out, Errorf(CodeEmpty, "no signal content on %s", req.URL))
	}
	out.Content = content

	if _, hash, err := Encode(content); err == nil {
		out.ContentHash = hash
	}

	if req.WantEvidence && s.screens != nil {
		out.Evidence, out.EvidenceErr = s.screens.Screenshot(ctx, req.URL, req.Context)
	}

	out.Success = true
	return out
}

// Parse runs every HTML parser over a document.
func Parse(rawHTML, pageURL string) (monitor.Content, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return monitor.Content{}, err
	}
	return monitor.Content{
		Pricing:  ParsePricing(doc),
		Tech:     ParseTechStack(doc, rawHTML, pageURL),
		Branding: ParseBranding(doc, pageURL),
	}, nil
}

// Encode returns the canonical JSON of a payload and its SHA-256 hash.
func Encode(payload any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	return raw, hex.EncodeToString(sum[:]), nil
}

func failed(out Outcome, err error) Outcome {
	out.Success = false
	out.Code = Classify(err)
	out.Err = err.Error()
	return out
}
