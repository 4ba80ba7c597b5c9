package manualmode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/phase"
)

// API is the job-ticket backend as seen by a capture session.
type API interface {
	RequestTicket(ctx context.Context, req TicketRequest) (Ticket, error)
	Redeem(ctx context.Context, ticket Ticket) (RedeemStatus, error)
	Next(ctx context.Context, ticket Ticket, current phase.Phase) error
	Cancel(ctx context.Context, ticket Ticket) error
}

// Flavor names one of the two endpoint generations.
type Flavor string

const (
	// FlavorLegacy is the standalone manualmode-web service (/manual/...).
	FlavorLegacy Flavor = "legacy"
	// FlavorAppFactory is the AppFactory REST API (/api/manualMode/...).
	FlavorAppFactory Flavor = "appfactory"
)

// ParseFlavor validates a configured flavor name.
func ParseFlavor(value string) (Flavor, error) {
	switch Flavor(strings.ToLower(strings.TrimSpace(value))) {
	case FlavorLegacy:
		return FlavorLegacy, nil
	case "", FlavorAppFactory:
		return FlavorAppFactory, nil
	default:
		return "", fmt.Errorf("unknown api flavor %q", value)
	}
}

// Option configures a client.
type Option func(*transport)

// WithHTTPClient replaces the HTTP client. The default client has no
// timeout; a hung request simply delays the next poll.
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.client = c }
}

// WithTimeout sets a per-request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(t *transport) {
		if d > 0 {
			t.client = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(t *transport) { t.logger = logger }
}

// WithAppID sets the application id the AppFactory API expects on redeem.
func WithAppID(id int64) Option {
	return func(t *transport) { t.appID = id }
}

// New returns the client for flavor.
func New(flavor Flavor, baseURL string, opts ...Option) (API, error) {
	switch flavor {
	case FlavorLegacy:
		return NewLegacyClient(baseURL, opts...), nil
	case FlavorAppFactory:
		return NewAppFactoryClient(baseURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown api flavor %q", flavor)
	}
}

type transport struct {
	client  *http.Client
	baseURL string
	appID   int64
	logger  *slog.Logger
}

func newTransport(baseURL string, component string, opts []Option) transport {
	t := transport{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(&t)
	}
	t.logger = logging.Ensure(t.logger).With("component", component)
	return t
}

// do sends body as JSON and returns the raw response body for 2xx answers.
func (t transport) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	t.logger.Debug("sending request", "op", op, "method", method, "path", path)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func decodeStatus(op string, body []byte) (RedeemStatus, error) {
	var status RedeemStatus
	if len(bytes.TrimSpace(body)) == 0 {
		return status, fmt.Errorf("%s: empty response", op)
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return status, nil
}
