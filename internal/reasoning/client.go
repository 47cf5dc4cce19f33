// Package reasoning implements the engine's single reasoning-dependency
// boundary: invoke(operation_key, context) -> structured result. The backing
// service is a generateContent-style HTTP endpoint; the engine neither knows
// nor cares what sits behind it, only that it can fail and must degrade. All
// calls into this package go through the circuit breaker.
package reasoning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to the reasoning endpoint over HTTP with retry and
// client-side pacing. It implements schemas.ReasoningClient.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	timeout    time.Duration
}

// -- Wire structures for the generateContent-style API --

type requestPart struct {
	Text string `json:"text"`
}

type requestContent struct {
	Parts []requestPart `json:"parts"`
	Role  string        `json:"role,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type requestPayload struct {
	Contents         []requestContent `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type responsePayload struct {
	Candidates []struct {
		Content      requestContent `json:"content"`
		FinishReason string         `json:"finishReason"`
	} `json:"candidates"`
}

// New initializes the client. The endpoint defaults to the public
// generateContent URL for the configured model.
func New(cfg config.ReasoningConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("reasoning API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 2.0
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.Named("reasoning"),
		timeout: timeout,
	}, nil
}

// Invoke sends the request context to the reasoning endpoint and parses the
// structured result out of the response text. Transient failures are retried
// with exponential backoff, bounded by the configured timeout.
func (c *Client) Invoke(ctx context.Context, operationKey string, req schemas.ReasoningRequest) (*schemas.ReasoningResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	body, err := json.Marshal(c.buildPayload(operationKey, req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasoning payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.timeout
	b.MaxInterval = 5 * time.Second

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during reasoning request, retrying...",
				zap.String("operation", operationKey), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.classifyAPIError(resp.StatusCode, respBody)
		}

		var payload responsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		if len(payload.Candidates) == 0 || len(payload.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(fmt.Errorf("reasoning response contained no candidates"))
		}
		text = payload.Candidates[0].Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	result, err := parseResult(text)
	if err != nil {
		return nil, fmt.Errorf("operation %s returned an unparsable result: %w", operationKey, err)
	}
	return result, nil
}

// classifyAPIError decides whether an HTTP error is worth retrying.
// 429 and 5xx are transient; everything else is permanent.
func (c *Client) classifyAPIError(status int, body []byte) error {
	err := fmt.Errorf("reasoning API returned status %d: %s", status, truncate(string(body), 200))
	if status == http.StatusTooManyRequests || status >= 500 {
		c.logger.Warn("Transient reasoning API error, retrying...", zap.Int("status", status))
		return err
	}
	return backoff.Permanent(err)
}

// buildPayload flattens the request context into a single JSON-mode prompt.
// The prompt content itself is boundary glue; the engine only depends on the
// response schema.
func (c *Client) buildPayload(operationKey string, req schemas.ReasoningRequest) requestPayload {
	ctxJSON, _ := json.MarshalToString(req)
	prompt := fmt.Sprintf(
		"Operation: %s\nContext:\n%s\nRespond with a JSON object containing"+
			" \"summary\" (string) and \"assignments\" (array of"+
			" {participant_id, role, responsibility}).",
		operationKey, ctxJSON)

	return requestPayload{
		Contents: []requestContent{{
			Parts: []requestPart{{Text: prompt}},
			Role:  "user",
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			ResponseMimeType: "application/json",
		},
	}
}

// parseResult decodes the model text into the structured result, tolerating
// markdown code fences around the JSON body.
func parseResult(text string) (*schemas.ReasoningResult, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var result schemas.ReasoningResult
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil, err
	}
	if result.Summary == "" {
		return nil, fmt.Errorf("result is missing a summary")
	}
	result.Raw = text
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
