package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements Summarizer using OpenAI's chat completions API.
type OpenAIClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	baseURL    string
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey     string
	Model      string // e.g., "gpt-4o-mini"
	HTTPClient *http.Client
	BaseURL    string // override for tests; defaults to the OpenAI API
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiAPIURL
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents an OpenAI chat completion response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Summarize generates a structured summary of the transcript.
func (c *OpenAIClient) Summarize(ctx context.Context, transcript string) (*Summary, Usage, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SummarySystemPrompt},
			{Role: "user", Content: SummaryPrompt + transcript},
		},
		Temperature: 0.5,
		MaxTokens:   1000,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, Usage{}, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, Usage{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, Usage{}, fmt.Errorf("no choices in response")
	}

	usage := Usage{
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}

	summary, err := ParseSummary(chatResp.Choices[0].Message.Content)
	if err != nil {
		return nil, usage, err
	}
	return summary, usage, nil
}

// ParseSummary extracts a Summary from model output. It tries JSON first
// (handling markdown code fences) and falls back to markdown section
// parsing when the model ignored the JSON instruction.
func ParseSummary(content string) (*Summary, error) {
	content = strings.TrimSpace(content)
	stripped := strings.TrimPrefix(content, "```json")
	stripped = strings.TrimPrefix(stripped, "```")
	stripped = strings.TrimSuffix(stripped, "```")
	stripped = strings.TrimSpace(stripped)

	var s Summary
	if err := json.Unmarshal([]byte(stripped), &s); err == nil {
		return &s, nil
	}

	parsed := parseSections(content)
	if parsed.KeyPoints == "" && parsed.Decisions == "" && len(parsed.ActionItems) == 0 && parsed.FollowUps == "" {
		return nil, fmt.Errorf("failed to parse summary (content: %s)", content)
	}
	return &parsed, nil
}

// parseSections splits markdown output on "##" headings and maps the
// known section titles onto the Summary fields.
func parseSections(text string) Summary {
	var s Summary

	for _, part := range strings.Split(text, "##") {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)

		switch {
		case strings.HasPrefix(lower, "key points"):
			s.KeyPoints = sectionBody(part)
		case strings.HasPrefix(lower, "decisions"):
			s.Decisions = sectionBody(part)
		case strings.HasPrefix(lower, "action items"):
			for _, line := range strings.Split(sectionBody(part), "\n") {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "-") {
					item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
					if item != "" {
						s.ActionItems = append(s.ActionItems, item)
					}
				}
			}
		case strings.HasPrefix(lower, "follow-ups"), strings.HasPrefix(lower, "follow ups"):
			s.FollowUps = sectionBody(part)
		}
	}

	return s
}

// sectionBody returns the content after the heading line.
func sectionBody(part string) string {
	if i := strings.Index(part, "\n"); i >= 0 {
		return strings.TrimSpace(part[i+1:])
	}
	return ""
}
