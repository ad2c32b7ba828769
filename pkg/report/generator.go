package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/tokenizer"
)

// CampaignMetrics is one campaign and its latest snapshot, as handed to the
// generator.
type CampaignMetrics struct {
	Campaign model.Campaign        `json:"campaign"`
	Snapshot *model.MetricSnapshot `json:"snapshot,omitempty"`
}

// Input is the aggregated data a report is written from.
type Input struct {
	UserID    string             `json:"user_id"`
	Window    model.ReportWindow `json:"window"`
	Campaigns []CampaignMetrics  `json:"campaigns"`
}

// Output is what a generator produces. The text is opaque to the pipeline.
type Output struct {
	Content         string   `json:"content"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	ShouldSendAlert bool     `json:"shouldSendAlert"`
}

// Generator writes a narrative report. A nil Output with a nil error means
// there is nothing to report.
type Generator interface {
	Generate(ctx context.Context, in Input) (*Output, error)
}

// ChatConfig configures an OpenAI-compatible chat completions generator.
type ChatConfig struct {
	Endpoint        string
	Model           string
	APIKey          string
	SystemPrompt    string
	MaxPromptTokens int
}

// ChatGenerator asks a chat completions API for a JSON report.
type ChatGenerator struct {
	cfg        ChatConfig
	counter    *tokenizer.Counter
	httpClient *http.Client
}

var _ Generator = (*ChatGenerator)(nil)

const defaultSystemPrompt = `You are an advertising analyst. You receive a user's campaigns with their latest metrics as JSON.
Reply with a JSON object with the keys "content" (the full report), "summary" (two sentences),
"recommendations" (an array of short actions) and "shouldSendAlert" (true only when something needs attention today).`

// NewChatGenerator builds a generator from configuration.
func NewChatGenerator(cfg ChatConfig) (*ChatGenerator, error) {
	if cfg.Endpoint == "" || cfg.Model == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("report generator misconfigured: endpoint, model and api key are required")
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 6000
	}
	counter, err := tokenizer.NewCounter(cfg.Model)
	if err != nil {
		return nil, err
	}
	return &ChatGenerator{
		cfg:     cfg,
		counter: counter,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (g *ChatGenerator) Generate(ctx context.Context, in Input) (*Output, error) {
	if len(in.Campaigns) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal report input: %w", err)
	}

	system := safePrompt(g.cfg.SystemPrompt)
	budget := g.cfg.MaxPromptTokens - g.counter.CountChat(system, "")
	user, cut := g.counter.Truncate(string(payload), budget)
	if cut {
		user += "\n[truncated]"
	}

	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("generator error %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	content := strings.TrimSpace(out.Choices[0].Message.Content)
	g.recordUsage(out, system, user, content)

	var report Output
	if err := json.Unmarshal([]byte(content), &report); err != nil {
		return nil, fmt.Errorf("decode report json: %w", err)
	}
	if report.Content == "" && report.Summary == "" {
		return nil, nil
	}
	return &report, nil
}

// recordUsage counts the tokens a generation consumed. Compatible APIs that
// omit the usage block are estimated locally.
func (g *ChatGenerator) recordUsage(out chatResponse, system, user, content string) {
	prompt := out.Usage.PromptTokens
	if prompt == 0 {
		prompt = int64(g.counter.CountChat(system, user))
	}
	completion := out.Usage.CompletionTokens
	if completion == 0 {
		completion = int64(g.counter.Count(content))
	}
	metrics.ReportTokensTotal.WithLabelValues(g.cfg.Model, "prompt").Add(float64(prompt))
	metrics.ReportTokensTotal.WithLabelValues(g.cfg.Model, "completion").Add(float64(completion))
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return defaultSystemPrompt
	}
	return prompt
}
