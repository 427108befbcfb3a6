package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
	"github.com/joeott/legal-doc-processor-sub006/pkg/retry"
)

// HTTPClient implements all three collaborator interfaces against one NLP
// service's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an HTTP-backed NLP client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) Extract(ctx context.Context, text string) ([]*domain.Mention, error) {
	var out struct {
		Mentions []*domain.Mention `json:"mentions"`
	}
	err := c.post(ctx, "/v1/extract", map[string]any{"text": text}, &out)
	if err != nil {
		return nil, fmt.Errorf("nlp extract: %w", err)
	}
	return out.Mentions, nil
}

func (c *HTTPClient) Resolve(ctx context.Context, mentions []*domain.Mention) ([]*domain.CanonicalEntity, error) {
	var out struct {
		Entities []*domain.CanonicalEntity `json:"entities"`
	}
	err := c.post(ctx, "/v1/resolve", map[string]any{"mentions": mentions}, &out)
	if err != nil {
		return nil, fmt.Errorf("nlp resolve: %w", err)
	}
	return out.Entities, nil
}

func (c *HTTPClient) Relate(ctx context.Context, entities []*domain.CanonicalEntity, docText string) ([]*domain.Relationship, error) {
	var out struct {
		Relationships []*domain.Relationship `json:"relationships"`
	}
	err := c.post(ctx, "/v1/relate", map[string]any{"entities": entities, "context": docText}, &out)
	if err != nil {
		return nil, fmt.Errorf("nlp relate: %w", err)
	}
	return out.Relationships, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// Transport errors get a short in-place retry; HTTP status handling
	// below is left to the pipeline's own failure classification.
	var resp *http.Response
	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The service rejected the input itself; retrying can't help.
		return domain.ResourceFailure("NLP_REJECTED_INPUT",
			fmt.Errorf("%s returned status %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Transient("NLP_THROTTLED",
			fmt.Errorf("%s returned status %d", path, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
