package pollinghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/proto"
)

// Config holds the client transport's tunables. Defaults can be loaded from
// the environment via NewTransportFromEnv.
type Config struct {
	RequestTimeout time.Duration `env:"REMAPI_HTTP_TIMEOUT,default=30s"`
}

// TransportOption configures a Transport.
type TransportOption func(*transportConfig)

type transportConfig struct {
	logger     *slog.Logger
	httpClient *http.Client
	timeout    time.Duration
}

// WithTransportLogger sets the slog logger. Defaults to slog.Default().
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient substitutes the http.Client used for requests.
func WithHTTPClient(hc *http.Client) TransportOption {
	return func(c *transportConfig) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Transport is the client side of the HTTP binding. It cannot receive
// push; subscribed connections poll. API uris must be absolute
// ("http://host:port/mount/path") so each server keeps its own session.
type Transport struct {
	httpClient *http.Client
	log        *slog.Logger

	mu sync.Mutex
	h  client.ReceiveHandler
}

// NewTransport builds an HTTP client transport with cfg.
func NewTransport(cfg Config, opts ...TransportOption) *Transport {
	tc := &transportConfig{logger: slog.Default(), timeout: cfg.RequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(tc)
		}
	}
	if tc.httpClient == nil {
		tc.httpClient = &http.Client{Timeout: tc.timeout}
	}
	return &Transport{httpClient: tc.httpClient, log: tc.logger}
}

// NewTransportFromEnv builds a transport with Config populated from the
// environment.
func NewTransportFromEnv(opts ...TransportOption) (*Transport, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode http transport config: %w", err)
	}
	return NewTransport(cfg, opts...), nil
}

// SupportsServerPush reports false; delivery outside a request/response
// exchange is impossible over plain HTTP.
func (t *Transport) SupportsServerPush() bool { return false }

// Connect registers the receive handler.
func (t *Transport) Connect(h client.ReceiveHandler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

// PostMessage sends the envelope as a POST to uri and feeds the response
// envelope's records to the receive handler.
func (t *Transport) PostMessage(ctx context.Context, uri string, req *proto.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request envelope: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", readErrorBody(httpResp.Body, httpResp.Status))
	}

	var resp proto.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}

	t.mu.Lock()
	h := t.h
	t.mu.Unlock()
	if h != nil && len(resp.Data) > 0 {
		h(hostnameOf(uri), resp.Data)
	}
	return nil
}

// readErrorBody extracts the {"error": ...} payload of a failed request,
// falling back to the HTTP status line.
func readErrorBody(body io.Reader, status string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return status
}

func hostnameOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
