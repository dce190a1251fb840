// Package egress checks the apparent public IP of the harvesting session.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shouni/go-http-kit/pkg/httpkit"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
	"github.com/JakeFAU/contact-harvester/internal/retry"
)

// Config selects the echo endpoint, proxy, and accepted addresses.
type Config struct {
	// EchoURL returns the caller's IP as plain text or {"ip": "..."}.
	EchoURL string
	// ProxyURL routes the check through the same proxy as the browser.
	ProxyURL string
	// ExpectedIPs lists acceptable addresses; empty accepts any.
	ExpectedIPs []string
	Timeout     time.Duration
}

// Verifier implements harvest.EgressVerifier over HTTP.
type Verifier struct {
	client   *httpkit.Client
	cfg      Config
	expected []string
	policy   *retry.Policy
	logger   *zap.Logger
}

var _ harvest.EgressVerifier = (*Verifier)(nil)

// New builds a Verifier. policy may be nil for a single attempt.
func New(cfg Config, policy *retry.Policy, logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.EchoURL) == "" {
		cfg.EchoURL = "https://api.ipify.org?format=json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid egress proxy url %q", cfg.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	var expected []string
	for _, ip := range cfg.ExpectedIPs {
		parsed := net.ParseIP(strings.TrimSpace(ip))
		if parsed == nil {
			return nil, fmt.Errorf("invalid expected ip %q", ip)
		}
		expected = append(expected, parsed.String())
	}
	return &Verifier{
		// Retries belong to policy, so the kit client makes a single attempt.
		client: httpkit.New(cfg.Timeout,
			httpkit.WithHTTPClient(&http.Client{Transport: transport, Timeout: cfg.Timeout}),
			httpkit.WithMaxRetries(0),
		),
		cfg:      cfg,
		expected: expected,
		policy:   policy,
		logger:   logger,
	}, nil
}

// Verify reports the apparent IP and whether it is acceptable. An error means
// the check itself could not complete.
func (v *Verifier) Verify(ctx context.Context) (harvest.EgressStatus, error) {
	var ip string
	op := func(ctx context.Context) error {
		got, err := v.fetch(ctx)
		if err != nil {
			return err
		}
		ip = got
		return nil
	}
	var err error
	if v.policy != nil {
		err = v.policy.Do(ctx, "egress check", op)
	} else {
		err = op(ctx)
	}
	if err != nil {
		metrics.ObserveEgressCheck(false)
		return harvest.EgressStatus{}, err
	}
	status := harvest.EgressStatus{IP: ip, OK: len(v.expected) == 0 || slices.Contains(v.expected, ip)}
	metrics.ObserveEgressCheck(status.OK)
	v.logger.Info("egress verified", zap.String("ip", ip), zap.Bool("ok", status.OK))
	return status, nil
}

type echoBody struct {
	IP string `json:"ip"`
}

func (v *Verifier) fetch(ctx context.Context) (string, error) {
	body, err := v.client.FetchBytes(ctx, v.cfg.EchoURL)
	if err != nil {
		var he *httpkit.NonRetryableHTTPError
		if errors.As(err, &he) && he.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(fmt.Errorf("egress endpoint returned %d", he.StatusCode))
		}
		return "", fmt.Errorf("egress request: %w", err)
	}
	return parseIP(body)
}

func parseIP(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var eb echoBody
		if err := json.Unmarshal([]byte(text), &eb); err != nil {
			return "", retry.Permanent(fmt.Errorf("decode egress response: %w", err))
		}
		text = strings.TrimSpace(eb.IP)
	}
	ip := net.ParseIP(text)
	if ip == nil {
		return "", retry.Permanent(errors.New("egress response is not an ip address"))
	}
	return ip.String(), nil
}
