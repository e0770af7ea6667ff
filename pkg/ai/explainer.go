package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Config controls how the explanation generator behaves.
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	Endpoint       string
	MaxConcurrency int
	HTTPClient     *http.Client
}

// Explainer writes a short natural-language explanation of a detected change.
type Explainer interface {
	Explain(ctx context.Context, change monitor.ChangeRecord, targetName string) (string, error)
}

const (
	defaultProvider       = "openai"
	defaultModel          = "gpt-4.1-mini"
	defaultEndpoint       = "https://api.openai.com/v1/chat/completions"
	defaultMaxConcurrency = 2
	maxExplanationLength  = 600
)

// NewExplainer builds a concrete Explainer based on the provided config.
func NewExplainer(cfg Config) (Explainer, error) {
	cfg.Provider = strings.TrimSpace(strings.ToLower(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = defaultProvider
	}

	switch cfg.Provider {
	case "openai":
		return newOpenAIExplainer(cfg)
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
	}
}

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type openAIExplainer struct {
	apiKey   string
	model    string
	endpoint string
	sem      chan struct{}
	client   httpClient
}

func newOpenAIExplainer(cfg Config) (*openAIExplainer, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("ai enrichment requires an API key (set ai.api_key in config or OPENAI_API_KEY)")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &openAIExplainer{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		sem:      make(chan struct{}, maxConcurrency),
		client:   httpClient,
	}, nil
}

// Explain asks the model for a one-paragraph explanation. Concurrent calls
// beyond the configured limit wait for a free slot.
func (e *openAIExplainer) Explain(ctx context.Context, change monitor.ChangeRecord, targetName string) (string, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-e.sem }()

	utils.Log.Debugf("[ai] explaining %s/%s change for %s", change.Signal, change.Kind, targetName)

	payloadJSON, err := json.Marshal(llmInput{
		Competitor: targetName,
		Signal:     string(change.Signal),
		Field:      change.Field,
		Kind:       change.Kind,
		OldValue:   change.OldValue,
		NewValue:   change.NewValue,
		Magnitude:  change.Magnitude,
		Category:   change.Category,
		Severity:   string(change.Severity),
	})
	if err != nil {
		return "", err
	}

	reqBody := openAIChatRequest{
		Model: e.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payloadJSON)},
		},
		Temperature:    0.3,
		ResponseFormat: openAIResponseFormat{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 300 {
		if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
			return "", fmt.Errorf("ai enrichment: %s", msg)
		}
		return "", fmt.Errorf("ai enrichment failed with HTTP %d", resp.StatusCode)
	}

	content := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	if content == "" {
		return "", errors.New("ai enrichment returned an empty response")
	}

	return parseExplanation(content), nil
}

// parseExplanation accepts either the requested JSON object or plain text.
func parseExplanation(content string) string {
	text := content
	if gjson.Valid(content) {
		text = gjson.Get(content, "explanation").String()
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxExplanationLength {
		text = strings.TrimSpace(string(r[:maxExplanationLength])) + "…"
	}
	return text
}

const systemPrompt = `You brief a product marketing team about changes on a competitor's website.

You receive one detected change as JSON: the competitor name, the signal (pricing, techstack,
branding, performance), the changed field, the kind of change, old and new values, an optional
magnitude (percent for prices, metric delta for performance) and the severity.

Write two or three plain sentences:
- State what changed, quoting old and new values when present.
- Say what it likely means for the competitor's strategy.
- Suggest one concrete response when the severity is high.

Do not invent facts that are not in the input. Do not use markdown.

Return ONLY JSON following this schema:
{"explanation": "string"}`

type openAIChatRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	Temperature    float64              `json:"temperature"`
	ResponseFormat openAIResponseFormat `json:"response_format"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type llmInput struct {
	Competitor string  `json:"competitor"`
	Signal     string  `json:"signal"`
	Field      string  `json:"field"`
	Kind       string  `json:"kind"`
	OldValue   string  `json:"old_value,omitempty"`
	NewValue   string  `json:"new_value,omitempty"`
	Magnitude  float64 `json:"magnitude,omitempty"`
	Category   string  `json:"category,omitempty"`
	Severity   string  `json:"severity"`
}
