package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-scheduler/internal/calls"

	"golang.org/x/time/rate"
)

// HTTPConfig controls the HTTP call-service adapter.
type HTTPConfig struct {
	BaseURL string

	StartTimeout time.Duration
	PollTimeout  time.Duration

	// RequestsPerSecond caps outbound requests; <= 0 disables the limiter.
	RequestsPerSecond float64
	Burst             int

	Client *http.Client
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	out := c
	if out.StartTimeout <= 0 {
		out.StartTimeout = 5 * time.Second
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 4 * time.Second
	}
	if out.Burst <= 0 {
		out.Burst = 1
	}
	if out.Client == nil {
		out.Client = &http.Client{}
	}
	return out
}

// HTTPProvider talks JSON to the call service:
//
//	POST {base}/api/call      {"phone_number": "..."} -> {"call": {"id", "status"}}
//	GET  {base}/api/call/{id}                         -> {"call": {"id", "status"}}
type HTTPProvider struct {
	base    *url.URL
	cfg     HTTPConfig
	limiter *rate.Limiter
}

func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	cfg = cfg.withDefaults()
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("telephony: call service base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("telephony: invalid call service base url %q", cfg.BaseURL)
	}
	p := &HTTPProvider{base: u, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return p, nil
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("health"), nil)
	if err != nil {
		return err
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: health: %v: %w", err, calls.ErrExternalService)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: health returned %d: %w", resp.StatusCode, calls.ErrExternalService)
	}
	return nil
}

func (p *HTTPProvider) StartCall(ctx context.Context, phoneNumber string) (StartedCall, error) {
	body, err := json.Marshal(startCallRequest{PhoneNumber: phoneNumber})
	if err != nil {
		return StartedCall{}, err
	}
	env, err := p.do(ctx, p.cfg.StartTimeout, http.MethodPost, p.endpoint("api", "call"), body)
	if err != nil {
		return StartedCall{}, err
	}
	if strings.TrimSpace(env.Call.ID) == "" {
		return StartedCall{}, fmt.Errorf("telephony: start response missing call id: %w", calls.ErrExternalService)
	}
	return StartedCall{ID: env.Call.ID, Status: initialStatus(env.Call.Status)}, nil
}

func (p *HTTPProvider) PollStatus(ctx context.Context, externalCallID string) (calls.Status, error) {
	if strings.TrimSpace(externalCallID) == "" {
		return "", fmt.Errorf("telephony: empty call id: %w", calls.ErrExternalService)
	}
	env, err := p.do(ctx, p.cfg.PollTimeout, http.MethodGet, p.endpoint("api", "call", externalCallID), nil)
	if err != nil {
		return "", err
	}
	st, ok := calls.ParseStatus(env.Call.Status)
	if !ok {
		return "", fmt.Errorf("telephony: unknown remote status %q: %w", env.Call.Status, calls.ErrExternalService)
	}
	return st, nil
}

func (p *HTTPProvider) do(ctx context.Context, timeout time.Duration, method, endpoint string, body []byte) (callEnvelope, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return callEnvelope{}, fmt.Errorf("telephony: rate limit wait: %v: %w", err, calls.ErrExternalService)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return callEnvelope{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return callEnvelope{}, fmt.Errorf("telephony: %s %s: %v: %w", method, endpoint, err, calls.ErrExternalService)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return callEnvelope{}, fmt.Errorf("telephony: read response: %v: %w", err, calls.ErrExternalService)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return callEnvelope{}, fmt.Errorf("telephony: %s %s returned %d: %s: %w",
			method, endpoint, resp.StatusCode, strings.TrimSpace(string(raw)), calls.ErrExternalService)
	}

	var env callEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return callEnvelope{}, fmt.Errorf("telephony: decode response: %v: %w", err, calls.ErrExternalService)
	}
	return env, nil
}

func (p *HTTPProvider) endpoint(parts ...string) string {
	return p.base.JoinPath(parts...).String()
}
