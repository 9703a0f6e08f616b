// Package costs provides cost calculation for API usage.
package costs

import (
	"os"
	"strconv"
)

// BytesPerSecond is the audio data rate for 16kHz 16-bit mono PCM.
const BytesPerSecond = 32000

// Pricing constants (in cents per unit for precision).
// These are based on 2026 market rates and can be overridden via environment variables.
var (
	// DeepgramCentsPerMinute is the cost per minute for Deepgram Nova-3 prerecorded STT.
	// Default: $0.0043/min = 0.43 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.43)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = $0.00015/1K = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = $0.0006/1K = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)
)

// MeetingMetrics contains the raw usage from a meeting used for cost calculation.
type MeetingMetrics struct {
	AudioBytes      int64 // Raw PCM bytes transcribed
	LLMInputTokens  int   // Tokens sent to the summarizer
	LLMOutputTokens int   // Tokens received from the summarizer
}

// MeetingCosts contains the calculated costs for a meeting in cents.
type MeetingCosts struct {
	STTCostCents   int
	LLMCostCents   int
	TotalCostCents int
}

// CalculateMeetingCosts computes the costs for a meeting based on usage metrics.
func CalculateMeetingCosts(m MeetingMetrics) MeetingCosts {
	audioSeconds := float64(m.AudioBytes) / BytesPerSecond
	sttCents := (audioSeconds / 60.0) * DeepgramCentsPerMinute

	// LLM costs: per 1K tokens
	llmInputCents := (float64(m.LLMInputTokens) / 1000.0) * OpenAICentsPerThousandInputTokens
	llmOutputCents := (float64(m.LLMOutputTokens) / 1000.0) * OpenAICentsPerThousandOutputTokens
	llmCents := llmInputCents + llmOutputCents

	// Round to nearest cent (we store as integers)
	costs := MeetingCosts{
		STTCostCents: roundToInt(sttCents),
		LLMCostCents: roundToInt(llmCents),
	}
	costs.TotalCostCents = costs.STTCostCents + costs.LLMCostCents

	return costs
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
