// Package gemini implements llm.Completer with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/contact-harvester/internal/llm"
)

// Config selects credentials and endpoint.
type Config struct {
	APIKey string

	// BaseURL overrides the Gemini API base URL for proxies and tests.
	BaseURL string
}

// Client asks Gemini for a single JSON candidate.
type Client struct {
	client *genai.Client
}

var _ llm.Completer = (*Client)(nil)

// New validates cfg and builds a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("llm.api_key is required for the gemini provider")
	}
	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{client: client}, nil
}

// Complete returns the text of the first candidate.
func (c *Client) Complete(ctx context.Context, prompt, model string) (string, error) {
	resp, err := c.client.Models.GenerateContent(
		ctx,
		model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return "", classify(err)
	}
	return resp.Text(), nil
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &statusError{code: apiErr.Code, err: fmt.Errorf("gemini: %w", err)}
	}
	return fmt.Errorf("gemini: %w", err)
}
