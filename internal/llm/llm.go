package llm

import "context"

// Summary is the structured output of meeting summarization.
type Summary struct {
	KeyPoints   string   `json:"key_points"`
	Decisions   string   `json:"decisions"`
	ActionItems []string `json:"action_items"`
	FollowUps   string   `json:"follow_ups"`
}

// Usage reports token consumption for a summarization call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Summarizer turns a full meeting transcript into a structured summary.
type Summarizer interface {
	// Summarize generates a structured summary from the full ordered
	// transcript text. Usage may be zero when the provider does not
	// report token counts.
	Summarize(ctx context.Context, transcript string) (*Summary, Usage, error)
}
