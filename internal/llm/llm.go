// Package llm defines the text-completion capability used for contact
// extraction and wraps backends with the shared retry policy.
package llm

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/JakeFAU/contact-harvester/internal/retry"
)

// Completer returns the raw model output for prompt; the output is expected
// to be JSON text.
type Completer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt, model string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// StatusError lets backends expose an HTTP status for retry classification.
type StatusError interface {
	error
	StatusCode() int
}

// Retryable reports whether a backend error is worth another attempt:
// throttling, server errors, and network timeouts are; other client errors
// are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		code := se.StatusCode()
		return code == 429 || code == 408 || code/100 == 5
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return true
}

type retrying struct {
	next   Completer
	policy *retry.Policy
}

// WithRetry wraps next so transient failures are retried by policy.
func WithRetry(next Completer, policy *retry.Policy) Completer {
	if policy == nil {
		return next
	}
	return &retrying{next: next, policy: policy}
}

func (r *retrying) Complete(ctx context.Context, prompt, model string) (string, error) {
	var out string
	err := r.policy.Do(ctx, "llm complete", func(ctx context.Context) error {
		res, err := r.next.Complete(ctx, prompt, model)
		if err != nil {
			if !Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// WithTimeout bounds every call to next by d. A non-positive d returns next.
func WithTimeout(next Completer, d time.Duration) Completer {
	if d <= 0 {
		return next
	}
	return CompleterFunc(func(ctx context.Context, prompt, model string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next.Complete(ctx, prompt, model)
	})
}
