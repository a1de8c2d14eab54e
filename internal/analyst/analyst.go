// Package analyst implements the AI analysis engine: web-search grounding
// via Tavily followed by a chat completion against a DeepSeek-compatible
// (OpenAI wire format) endpoint.
//
// The engine is a black box to the scheduler. Every invocation attempt
// consumes one quota unit regardless of outcome; the scheduler spends before
// calling Analyze.
package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/whalewatch/engine/internal/logger"
	"github.com/whalewatch/engine/internal/models"
)

const searchMaxResults = 3

// Config holds the analysis engine settings.
type Config struct {
	APIKey        string        // DeepSeek (or compatible) API key
	BaseURL       string        // OpenAI-compatible endpoint base URL
	Model         string        // e.g. "deepseek-chat"
	TavilyAPIKey  string        // empty disables search grounding
	TavilyBaseURL string        // e.g. "https://api.tavily.com"
	Timeout       time.Duration // per external call
}

// Client is the concrete analysis engine.
type Client struct {
	llm           openai.Client
	model         string
	tavilyAPIKey  string
	tavilyBaseURL string
	httpClient    *http.Client
}

// New creates an analysis engine client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analyst: API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("analyst: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		llm:           openai.NewClient(opts...),
		model:         cfg.Model,
		tavilyAPIKey:  cfg.TavilyAPIKey,
		tavilyBaseURL: strings.TrimRight(cfg.TavilyBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

// Analyze produces an advisory for one candidate. Search grounding failures
// degrade to an ungrounded prompt rather than failing the call; completion
// failures are returned to the caller (the quota unit is already spent).
func (c *Client) Analyze(ctx context.Context, cand models.Candidate) (*models.AnalysisResult, error) {
	searchContext, err := c.searchWeb(ctx, cand.MarketQuestion)
	grounded := err == nil && searchContext != ""
	if err != nil {
		logger.Warn("Web search failed for %q, analyzing without grounding: %v", cand.MarketQuestion, err)
	}
	if searchContext == "" {
		searchContext = "No recent news found."
	}

	prompt := buildPrompt(cand, searchContext)

	completion, err := c.llm.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	return &models.AnalysisResult{
		ID:       uuid.NewString(),
		Advisory: strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:    c.model,
		Grounded: grounded,
	}, nil
}

// searchWeb fetches recent news context for the market question via Tavily.
// Returns "" with no error when grounding is disabled.
func (c *Client) searchWeb(ctx context.Context, query string) (string, error) {
	if c.tavilyAPIKey == "" || c.tavilyBaseURL == "" {
		return "", nil
	}

	payload := map[string]any{
		"api_key":        c.tavilyAPIKey,
		"query":          query,
		"search_depth":   "basic",
		"include_answer": false,
		"max_results":    searchMaxResults,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tavilyBaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}

	return formatSearchResults(decoded.Results), nil
}

type searchResult struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func formatSearchResults(results []searchResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- %s: %s", r.Title, r.Content))
	}
	return strings.Join(lines, "\n")
}

// buildPrompt renders the analyst prompt for one candidate.
func buildPrompt(cand models.Candidate, searchContext string) string {
	var b strings.Builder
	b.WriteString("You are a professional prediction market analyst.\n")
	fmt.Fprintf(&b, "Analyze the likelihood of the following event expiring in 24 hours: %q.\n\n", cand.MarketQuestion)
	fmt.Fprintf(&b, "Current Market Price: %.2f\n", cand.Activity.EndPrice)
	fmt.Fprintf(&b, "Recent Activity: %s\n\n", strings.Join(cand.Activity.Reasons, ", "))
	fmt.Fprintf(&b, "Recent News Context:\n%s\n\n", searchContext)
	b.WriteString("Task:\n")
	b.WriteString("1. Analyze the news and current situation.\n")
	b.WriteString("2. Recommend which outcome is most likely given the current price (is it undervalued?).\n")
	b.WriteString("3. Calculate potential profit for a $1000 bet on your recommended outcome if it wins (price 1.00 at expiry). Profit formula: (1000 / Price) * 1.00 - 1000.\n\n")
	b.WriteString("Output Format (HTML-supported for Telegram):\n")
	b.WriteString("<b>Analysis:</b> [Brief reasoning]\n")
	b.WriteString("<b>Recommendation:</b> [BUY YES/NO]\n")
	b.WriteString("<b>Risk:</b> [High/Medium/Low]\n")
	b.WriteString("<b>Potential Win:</b> $[Amount] (ROI: [Percent]%)\n")
	return b.String()
}
