// Package narrate generates match narratives through an OpenAI-compatible
// chat-completions endpoint. The pipeline treats this as best-effort: any
// error here routes the caller to its deterministic template instead.
package narrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/backoff"
)

const defaultBaseURL = "https://api.openai.com/v1"

const systemPrompt = `You are a concise esports analyst. You receive one JSON
object describing a single player's performance in one match. Write 2-4
sentences summarizing how the game went for that player, grounded strictly in
the numbers you were given. Mention the champion, the outcome and at least one
standout statistic. Never invent events that are not implied by the data and
never claim data is missing.`

// Client calls a chat-completions API and implements analysis.Narrator.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a narrator. baseURL may be empty for the public
// OpenAI endpoint; tests point it at a local server.
func NewClient(apiKey, model, baseURL string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Narrate produces narrative text for the score. Errors carry the retry
// taxonomy: 429 responses are rate-limit signals with the upstream wait hint,
// other 4xx responses never retry.
func (c *Client) Narrate(ctx context.Context, score *analysis.ScoreResult) (string, error) {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return "", backoff.NonRetryable(fmt.Errorf("encode score: %w", err))
	}
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(scoreJSON)},
		},
		Temperature: 0.7,
		MaxTokens:   400,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", backoff.NonRetryable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", backoff.NonRetryable(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", backoff.RateLimited(fmt.Errorf("llm status 429"), retryAfter(resp))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", backoff.NonRetryable(fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(body, 256)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm response parse: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response missing choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("llm response empty content")
	}
	return content, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ analysis.Narrator = (*Client)(nil)
