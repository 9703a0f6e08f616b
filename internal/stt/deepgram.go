package stt

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

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// DeepgramClient implements Transcriber using Deepgram's prerecorded
// audio API. Each call posts one buffered window and returns the
// transcript of the first channel's best alternative.
type DeepgramClient struct {
	apiKey     string
	language   string
	model      string
	sampleRate int
	encoding   string
	httpClient *http.Client
	baseURL    string
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey     string
	Language   string // e.g., "en"
	Model      string // e.g., "nova-3"
	SampleRate int    // e.g., 16000 for client-streamed PCM
	Encoding   string // e.g., "linear16"
	HTTPClient *http.Client
	BaseURL    string // override for tests; defaults to the Deepgram API
}

// deepgramResponse is the subset of the prerecorded API response we read.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgramClient creates a new Deepgram prerecorded STT client.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramListenURL
	}
	return &DeepgramClient{
		apiKey:     cfg.APIKey,
		language:   language,
		model:      model,
		sampleRate: sampleRate,
		encoding:   encoding,
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// Transcribe posts one audio window and returns the recognized text.
func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	url := fmt.Sprintf("%s?model=%s&language=%s&encoding=%s&sample_rate=%d&punctuate=true",
		c.baseURL, c.model, c.language, c.encoding, c.sampleRate)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("Deepgram API error: %s - %s", resp.Status, string(body))
	}

	var dgResp deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dgResp); err != nil {
		return "", fmt.Errorf("failed to decode Deepgram response: %w", err)
	}

	if len(dgResp.Results.Channels) == 0 || len(dgResp.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}

	return strings.TrimSpace(dgResp.Results.Channels[0].Alternatives[0].Transcript), nil
}
