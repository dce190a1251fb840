// Package openai implements llm.Completer with the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/JakeFAU/contact-harvester/internal/llm"
)

// Config selects credentials and endpoint.
type Config struct {
	APIKey       string
	BaseURL      string
	Organization string
}

// Client calls chat completions in JSON-object response mode.
type Client struct {
	client *openai.Client
}

var _ llm.Completer = (*Client)(nil)

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("llm.api_key is required for the openai provider")
	}
	oc := openai.DefaultConfig(key)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = base
	}
	if org := strings.TrimSpace(cfg.Organization); org != "" {
		oc.OrgID = org
	}
	return &Client{client: openai.NewClientWithConfig(oc)}, nil
}

// Complete sends prompt as a single user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, prompt, model string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &statusError{code: apiErr.HTTPStatusCode, err: fmt.Errorf("openai: %w", err)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &statusError{code: reqErr.HTTPStatusCode, err: fmt.Errorf("openai: %w", err)}
	}
	return fmt.Errorf("openai: %w", err)
}
