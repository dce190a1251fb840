// Package extract turns raw profile text into a validated Contact using a
// language-model completion, falling back to a URL-only record on failure.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/llm"
)

// Config tunes the extractor.
type Config struct {
	Model string
	// MaxInputChars truncates raw text before it is sent; 0 disables truncation.
	MaxInputChars int
}

// Extractor implements harvest.Extractor.
type Extractor struct {
	completer llm.Completer
	cfg       Config
	logger    *zap.Logger
}

var _ harvest.Extractor = (*Extractor)(nil)

// New builds an Extractor around completer.
func New(completer llm.Completer, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{completer: completer, cfg: cfg, logger: logger}
}

// Extract never fails. On any completion, decoding, or validation problem it
// returns a Contact holding only the (validated) profile URL.
func (e *Extractor) Extract(ctx context.Context, rawText, targetName, profileURL string) harvest.Contact {
	contact, err := e.extract(ctx, rawText, targetName)
	if err != nil {
		e.logger.Warn("extraction fell back to url-only contact",
			zap.String("profile_url", profileURL),
			zap.Error(err),
		)
		return Fallback(profileURL)
	}
	if contact.ProfileURL == "" {
		contact.ProfileURL = validURL(profileURL)
	}
	return contact
}

// Fallback is the record produced when extraction fails.
func Fallback(profileURL string) harvest.Contact {
	return harvest.Contact{ProfileURL: validURL(profileURL)}
}

// IsFallback reports whether c carries nothing but a profile URL.
func IsFallback(c harvest.Contact) bool {
	return c == harvest.Contact{ProfileURL: c.ProfileURL}
}

func (e *Extractor) extract(ctx context.Context, rawText, targetName string) (harvest.Contact, error) {
	if e.completer == nil {
		return harvest.Contact{}, errors.New("no completer configured")
	}
	text := rawText
	if n := e.cfg.MaxInputChars; n > 0 && len(text) > n {
		text = truncateRunes(text, n)
	}
	out, err := e.completer.Complete(ctx, BuildPrompt(targetName, text), e.cfg.Model)
	if err != nil {
		return harvest.Contact{}, fmt.Errorf("complete: %w", err)
	}
	return Parse(out)
}

// record mirrors the JSON the model is asked for. Pointers let null and
// missing keys decode to the same absent value.
type record struct {
	Name        *string `json:"name"`
	Title       *string `json:"title"`
	Department  *string `json:"department"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	ProfileURL  *string `json:"profile_url"`
	LinkedInURL *string `json:"linkedin_url"`
	Bio         *string `json:"bio"`
}

// Parse decodes and validates model output. A record without a name fails
// validation; an invalid profile URL is dropped.
func Parse(raw string) (harvest.Contact, error) {
	body := stripFences(raw)
	if body == "" {
		return harvest.Contact{}, errors.New("empty model output")
	}
	var rec record
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&rec); err != nil {
		return harvest.Contact{}, fmt.Errorf("decode model output: %w", err)
	}
	profile := deref(rec.ProfileURL)
	if strings.TrimSpace(profile) == "" {
		profile = deref(rec.LinkedInURL)
	}
	c := harvest.Contact{
		Name:       deref(rec.Name),
		Title:      deref(rec.Title),
		Department: deref(rec.Department),
		Email:      deref(rec.Email),
		Phone:      deref(rec.Phone),
		ProfileURL: profile,
		Bio:        deref(rec.Bio),
	}.Normalize()
	if c.Name == "" {
		return harvest.Contact{}, errors.New("model output has no name")
	}
	c.ProfileURL = validURL(c.ProfileURL)
	return c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the info string, e.g. "json"
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// validURL returns raw if it is an absolute http(s) URL with a host, else "".
func validURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
