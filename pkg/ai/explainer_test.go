package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

func TestExplainScenarios(t *testing.T) {
	change := monitor.ChangeRecord{
		Signal:    monitor.SignalPricing,
		Field:     "plans.Pro.price",
		Kind:      "price_decrease",
		OldValue:  "$49",
		NewValue:  "$19",
		Magnitude: -61.22,
		Severity:  monitor.SeverityHigh,
	}

	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{
			name:   "json explanation",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":"{\"explanation\":\"Acme cut Pro from $49 to $19.\\n Expect pressure.\"}"}}]}`,
			want:   "Acme cut Pro from $49 to $19. Expect pressure.",
		},
		{
			name:   "plain text content",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":"Acme cut Pro pricing."}}]}`,
			want:   "Acme cut Pro pricing.",
		},
		{
			name:    "empty choices",
			status:  http.StatusOK,
			body:    `{"choices":[]}`,
			wantErr: "empty response",
		},
		{
			name:    "api error message",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"message":"rate limited"}}`,
			wantErr: "rate limited",
		},
		{
			name:    "bare status",
			status:  http.StatusBadGateway,
			body:    `oops`,
			wantErr: "HTTP 502",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
					t.Errorf("unexpected auth header %q", got)
				}
				raw, _ := io.ReadAll(r.Body)
				var req openAIChatRequest
				if err := json.Unmarshal(raw, &req); err != nil {
					t.Errorf("bad request body: %v", err)
				}
				if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, `"competitor":"Acme"`) {
					t.Errorf("unexpected messages: %+v", req.Messages)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ex, err := NewExplainer(Config{APIKey: "sk-test", Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("NewExplainer: %v", err)
			}
			got, err := ex.Explain(context.Background(), change, "Acme")
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Explain: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewExplainerValidation(t *testing.T) {
	if _, err := NewExplainer(Config{}); err == nil {
		t.Fatal("expected missing API key error")
	}
	if _, err := NewExplainer(Config{Provider: "local-llm", APIKey: "x"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestParseExplanationTruncates(t *testing.T) {
	long := strings.Repeat("é", maxExplanationLength+50)
	out := parseExplanation(long)
	if n := len([]rune(out)); n != maxExplanationLength+1 {
		t.Fatalf("expected %d runes, got %d", maxExplanationLength+1, n)
	}
}
