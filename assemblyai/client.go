// Package assemblyai is the boundary to the AssemblyAI speech-to-text
// service. It performs single network calls only; the polling loop and its
// budget belong to the pipeline worker.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/subforge/subforge/models"
)

// ErrMissingAPIKey is returned on the first call when no credential is
// configured, so a misconfigured service still boots for status reads.
var ErrMissingAPIKey = errors.New("assemblyai: ASSEMBLYAI_API_KEY is not configured")

// UploadError indicates the media upload was rejected or failed in transport
type UploadError struct {
	Status int
	Body   string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assemblyai: upload failed: %v", e.Err)
	}
	return fmt.Sprintf("assemblyai: upload failed: status=%d %s", e.Status, e.Body)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SubmissionError indicates the transcription request was not accepted
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assemblyai: submission failed: %v", e.Err)
	}
	return fmt.Sprintf("assemblyai: submission failed: %s", e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollState is the provider-reported phase of a transcription
type PollState string

const (
	PollPending   PollState = "pending"
	PollCompleted PollState = "completed"
	PollFailed    PollState = "failed"
)

// PollResult is the outcome of one non-blocking status probe
type PollResult struct {
	State         PollState
	SRT           string
	FailureReason string
}

// ClientConfig configures the AssemblyAI client
type ClientConfig struct {
	APIKey  string
	BaseURL string
	// HTTPClient is optional and defaults to a client without its own
	// timeout; every call carries a context deadline instead.
	HTTPClient    *http.Client
	UploadTimeout time.Duration
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
}

// Client calls the AssemblyAI v2 API
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	uploadTimeout time.Duration
	submitTimeout time.Duration
	pollTimeout   time.Duration
}

// NewClient creates an AssemblyAI client
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.assemblyai.com"
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       cfg.BaseURL,
		httpClient:    cfg.HTTPClient,
		uploadTimeout: cfg.UploadTimeout,
		submitTimeout: cfg.SubmitTimeout,
		pollTimeout:   cfg.PollTimeout,
	}
}

// Upload sends raw media bytes to the provider and returns the upload URL
// used to reference them in a transcription request.
func (c *Client) Upload(ctx context.Context, media io.Reader) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", media)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	req.Header.Set("authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	if res.StatusCode >= 400 {
		return "", &UploadError{Status: res.StatusCode, Body: string(body)}
	}

	var parsed struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &UploadError{Err: err}
	}
	if parsed.UploadURL == "" {
		return "", &UploadError{Status: res.StatusCode, Body: "response missing upload_url"}
	}

	return parsed.UploadURL, nil
}

// transcriptRequest is the transcription submission body
type transcriptRequest struct {
	AudioURL          string `json:"audio_url"`
	SpeechModel       string `json:"speech_model"`
	LanguageDetection bool   `json:"language_detection"`
	Punctuate         bool   `json:"punctuate"`
	FormatText        bool   `json:"format_text"`
}

// Submit requests a transcription of previously uploaded media and returns
// the provider's transcript ID.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	payload, err := json.Marshal(transcriptRequest{
		AudioURL:          audioURL,
		SpeechModel:       "universal",
		LanguageDetection: true,
		Punctuate:         true,
		FormatText:        true,
	})
	if err != nil {
		return "", &SubmissionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	req.Header.Set("authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	if res.StatusCode >= 400 {
		return "", &SubmissionError{Reason: fmt.Sprintf("status=%d %s", res.StatusCode, string(body))}
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if parsed.ID == "" {
		return "", &SubmissionError{Reason: fmt.Sprintf("no 'id' found in response: %s", string(body))}
	}

	return parsed.ID, nil
}

// transcriptStatus is the status document for a submitted transcription
type transcriptStatus struct {
	ID     string                  `json:"id"`
	Status string                  `json:"status"`
	Error  string                  `json:"error"`
	Words  []models.TranscriptWord `json:"words"`
}

// Poll performs a single status probe. When the provider reports completion
// it fetches the subtitle text, falling back to building SRT cues from word
// timestamps if the subtitle endpoint is unavailable.
func (c *Client) Poll(ctx context.Context, transcriptID string) (PollResult, error) {
	if c.apiKey == "" {
		return PollResult{}, ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	status, err := c.getStatus(ctx, transcriptID)
	if err != nil {
		return PollResult{}, err
	}

	switch status.Status {
	case "completed":
		srt, err := c.getSRT(ctx, transcriptID)
		if err != nil || srt == "" {
			srt = models.BuildSRTFromWords(status.Words)
		}
		return PollResult{State: PollCompleted, SRT: srt}, nil
	case "error":
		reason := status.Error
		if reason == "" {
			reason = "transcription failed"
		}
		return PollResult{State: PollFailed, FailureReason: reason}, nil
	default:
		return PollResult{State: PollPending}, nil
	}
}

func (c *Client) getStatus(ctx context.Context, transcriptID string) (transcriptStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+transcriptID, nil)
	if err != nil {
		return transcriptStatus{}, err
	}
	req.Header.Set("authorization", c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return transcriptStatus{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return transcriptStatus{}, err
	}
	if res.StatusCode >= 400 {
		return transcriptStatus{}, fmt.Errorf("assemblyai: poll failed: status=%d %s", res.StatusCode, string(body))
	}

	var parsed transcriptStatus
	if err := json.Unmarshal(body, &parsed); err != nil {
		return transcriptStatus{}, err
	}
	return parsed, nil
}

func (c *Client) getSRT(ctx context.Context, transcriptID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+transcriptID+"/srt", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("authorization", c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assemblyai: srt fetch failed: status=%d", res.StatusCode)
	}

	return string(body), nil
}
