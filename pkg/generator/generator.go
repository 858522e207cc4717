// Package generator asks a hosted language model to write extraction rules.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/covault/autodetect/pkg/api"
)

// Defaults for the Gemini generateContent endpoint.
const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.5-flash"
	DefaultTimeout = 8 * time.Second

	maxBodyExcerpt = 2048
)

// Config holds configuration for the rule generator.
type Config struct {
	// APIKey authenticates against the generation service. Calls fail with
	// api.ErrConfiguration while it is empty.
	APIKey string
	// Model is the model name. Defaults to DefaultModel.
	Model string
	// BaseURL overrides the service origin. Defaults to DefaultBaseURL.
	BaseURL string
	// Timeout bounds a single call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of extra attempts on 429 and 5xx responses.
	// Zero disables retrying.
	Retries uint
	// RetryDelay is the pause between attempts. Defaults to one second.
	RetryDelay time.Duration
}

// Client implements api.Generator against Gemini.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// New creates a generator client. A missing API key is not an error here so
// the daemon can start without auto-detection.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// GenerateRule asks the model for an amount pattern, a vendor pattern and a
// category hint for notifications shaped like sample.
func (c *Client) GenerateRule(ctx context.Context, bankName, sample string) (api.RuleDraft, error) {
	if c.cfg.APIKey == "" {
		return api.RuleDraft{}, api.ErrConfiguration
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: buildPrompt(bankName, sample)}}}},
		GenerationConfig: &generationConfig{
			ResponseMIMEType: "application/json",
			Temperature:      0.1,
		},
	})
	if err != nil {
		return api.RuleDraft{}, fmt.Errorf("marshaling request: %w", err)
	}

	var text string
	err = retry.Do(
		func() error {
			var callErr error
			text, callErr = c.call(ctx, body)
			return callErr
		},
		retry.RetryIf(func(err error) bool {
			var upErr *api.UpstreamError
			if ctx.Err() != nil || !errors.As(err, &upErr) {
				return false
			}
			if upErr.StatusCode == http.StatusTooManyRequests || upErr.StatusCode >= http.StatusInternalServerError {
				c.logger.Warn("generation failed, will retry", "status", upErr.StatusCode)
				return true
			}
			return false
		}),
		retry.Attempts(c.cfg.Retries+1),
		retry.Delay(c.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return api.RuleDraft{}, err
	}

	draft, err := ParseDraft(text)
	if err != nil {
		c.logger.Warn("generator returned unusable rule", "bank_name", bankName, "error", err)
		return api.RuleDraft{}, err
	}

	c.logger.Debug("generated rule",
		"bank_name", bankName,
		"amount_regex", draft.AmountPattern,
		"vendor_regex", draft.VendorPattern,
		"category_name", draft.CategoryName,
	)
	return draft, nil
}

// call performs one generateContent request and returns the answer text.
func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.Model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &api.UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &api.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := string(respBody)
		if len(excerpt) > maxBodyExcerpt {
			excerpt = excerpt[:maxBodyExcerpt]
		}
		c.logger.Warn("generation service returned an error", "status", resp.StatusCode, "body", excerpt)
		return "", &api.UpstreamError{StatusCode: resp.StatusCode, Body: excerpt}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding envelope: %v", api.ErrMalformedResponse, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates returned", api.ErrMalformedResponse)
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// ParseDraft decodes the model's answer text into a RuleDraft. Markdown code
// fences around the JSON are tolerated. All three keys must be present and
// both patterns must be non-empty.
func ParseDraft(text string) (api.RuleDraft, error) {
	var raw struct {
		AmountRegex  *string `json:"amount_regex"`
		VendorRegex  *string `json:"vendor_regex"`
		CategoryName *string `json:"category_name"`
	}
	if err := json.Unmarshal([]byte(cleanMarkdownWrapper(text)), &raw); err != nil {
		return api.RuleDraft{}, fmt.Errorf("%w: %v", api.ErrMalformedResponse, err)
	}

	switch {
	case raw.AmountRegex == nil || strings.TrimSpace(*raw.AmountRegex) == "":
		return api.RuleDraft{}, fmt.Errorf("%w: missing amount_regex", api.ErrMalformedResponse)
	case raw.VendorRegex == nil || strings.TrimSpace(*raw.VendorRegex) == "":
		return api.RuleDraft{}, fmt.Errorf("%w: missing vendor_regex", api.ErrMalformedResponse)
	case raw.CategoryName == nil:
		return api.RuleDraft{}, fmt.Errorf("%w: missing category_name", api.ErrMalformedResponse)
	}

	return api.RuleDraft{
		AmountPattern: *raw.AmountRegex,
		VendorPattern: *raw.VendorRegex,
		CategoryName:  strings.TrimSpace(*raw.CategoryName),
	}, nil
}

// cleanMarkdownWrapper strips a ```json ... ``` fence if the model added one.
func cleanMarkdownWrapper(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func buildPrompt(bankName, sample string) string {
	return fmt.Sprintf(`You are helping parse bank transaction notification text.
Here is a sample notification from %s:
%q

Return a JSON object with these exact keys:
- amount_regex: a regular expression (no surrounding slashes) whose FIRST capturing group captures the numeric amount
- vendor_regex: a regular expression whose FIRST capturing group captures the vendor or merchant name
- category_name: a short spending category, for example Groceries, Restaurants, Transport, Income, Bills

Rules:
- Prefer simple, robust patterns that will also match other notifications from this bank.
- Escape special characters that appear literally in the notification text.
- Use RE2 syntax: no lookahead, no lookbehind, no backreferences.
- Return ONLY valid JSON. No comments, no code blocks, no explanations.`, bankName, sample)
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
