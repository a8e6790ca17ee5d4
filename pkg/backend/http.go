package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/barclamp/pkg/engine"
)

// HTTPConfig configures an HTTP deployment backend.
type HTTPConfig struct {
	// URL is the base URL of the configuration-management service.
	URL string

	// Timeout bounds a single request. Zero leaves the deadline to the caller's context,
	// which is how the engine's commit timeout reaches the request.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// UserAgent identifies the client.
	UserAgent string
}

// HTTPBackend submits proposals to a configuration-management service over HTTP.
//
// A proposal is posted as JSON to <URL>/<barclamp>/proposals/commit/<name>. The
// response status decides the outcome:
//
//   - 200, 201: accepted
//   - 202, 409, 423, 429: busy
//   - other 4xx: rejected with that status
//   - 5xx or no response: backend unavailable
type HTTPBackend struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
	logger zerolog.Logger
}

var _ engine.Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates an HTTP backend.
func NewHTTPBackend(cfg HTTPConfig, logger zerolog.Logger) (*HTTPBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported backend URL scheme %q", base.Scheme)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "barclamp"
	}

	return &HTTPBackend{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "http-backend").Logger(),
	}, nil
}

// submitResponse is the optional JSON body of a backend answer.
type submitResponse struct {
	Message string `json:"message"`
}

// Submit posts the proposal and maps the answer to a submit status.
func (b *HTTPBackend) Submit(ctx context.Context, p *engine.Proposal) (engine.SubmitStatus, string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize proposal: %w", err)
	}

	endpoint := b.base.JoinPath(p.Module, "proposals", "commit", p.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.cfg.UserAgent)
	for key, value := range b.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", engine.NewBackendUnavailableError("deployment backend unreachable", err).
			WithResource(p.ID())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := responseMessage(body)

	b.logger.Debug().
		Str("proposal_id", p.ID()).
		Int("status", resp.StatusCode).
		Msg("Backend answered")

	switch code := resp.StatusCode; {
	case code == http.StatusOK || code == http.StatusCreated:
		return engine.SubmitAccepted, message, nil

	case code == http.StatusAccepted, code == http.StatusConflict,
		code == http.StatusLocked, code == http.StatusTooManyRequests:
		return engine.SubmitBusy, message, nil

	case code >= 400 && code < 500:
		if message == "" {
			message = http.StatusText(code)
		}
		return "", "", engine.NewRejectedError(code, message).WithResource(p.ID())

	default:
		if message == "" {
			message = http.StatusText(code)
		}
		return "", "", engine.NewBackendUnavailableError(
			fmt.Sprintf("deployment backend error %d: %s", code, message), nil).WithResource(p.ID())
	}
}

// responseMessage extracts a message from a JSON or plain text body.
func responseMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var resp submitResponse
	if body[0] == '{' && json.Unmarshal(body, &resp) == nil {
		return resp.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
