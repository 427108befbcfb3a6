package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to an OCR provider over its REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an HTTP-backed OCR client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type submitRequest struct {
	DocumentRef string `json:"document_ref"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, documentRef string) (string, error) {
	body, err := json.Marshal(submitRequest{DocumentRef: documentRef})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr submit returned status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("ocr submit returned empty job id")
	}
	return out.JobID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, handle string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+handle, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("ocr poll %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("ocr poll %s returned status %d", handle, resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PollResult{}, fmt.Errorf("decode poll response: %w", err)
	}

	switch out.Status {
	case "succeeded":
		return PollResult{State: StateSucceeded, ResultRef: out.ResultRef}, nil
	case "failed":
		return PollResult{State: StateFailed, Error: out.Error, Transient: out.Retryable}, nil
	default:
		return PollResult{State: StateInProgress}, nil
	}
}
