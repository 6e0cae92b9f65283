// Package groq is the boundary to the Groq text-completion service, used for
// subtitle translation and reformatting.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/subforge/subforge/backoff"
)

// ErrMissingAPIKey is returned on the first call when no credential is
// configured.
var ErrMissingAPIKey = errors.New("groq: GROQ_API_KEY is not configured")

// ErrUnavailable is returned once every attempt of a completion call has
// failed. The caller decides job-level fallback behavior; this client never
// does.
var ErrUnavailable = errors.New("groq: completion unavailable after retries")

const completionModel = "llama-3.3-70b-versatile"

// TranslatePrompt builds the completion prompt used to translate SRT subtitle
// content while preserving cue numbering and timestamps.
func TranslatePrompt(targetLanguage, srtContent string) string {
	return fmt.Sprintf(`Translate the following SRT subtitle content to %s.
Maintain the exact SRT format with timestamps and numbering.
Only translate the text content, keep all timing information unchanged.

SRT Content:
%s`, targetLanguage, srtContent)
}

// ClientConfig configures the Groq client
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      backoff.Policy
}

// Client calls the Groq OpenAI-compatible chat completion API
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      backoff.Policy
}

// NewClient creates a Groq client
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = backoff.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a prompt to the completion model, retrying transient
// failures, and returns the generated text. After exhausting attempts it
// returns ErrUnavailable rather than the raw transport error so callers can
// apply their own fallback policy.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	var text string
	attempt := 0
	err := c.retry.Retry(ctx, func() error {
		attempt++
		result, err := c.complete(ctx, prompt)
		if err != nil {
			log.Printf("Completion attempt %d failed: %v", attempt, err)
			return err
		}
		text = result
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return text, nil
}

// complete performs one completion attempt
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model:       completionModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   4000,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/openai/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode >= 400 {
		return "", fmt.Errorf("status=%d %s", res.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
