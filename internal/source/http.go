package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	rulesetPath        = "/v1/ruleset"
	maxRulesetBodySize = 8 << 20 // 8MB
)

type HTTPConfig struct {
	// Endpoint is the base URL of the flag backend, e.g. "http://relay:1031".
	Endpoint string
	// HTTPClient is optional; defaults to a client with its own pooled
	// transport wrapped by otelhttp.
	HTTPClient *http.Client
	// Header is added to every request, e.g. for authorization.
	Header http.Header
}

// HTTPFetcher polls GET {Endpoint}/v1/ruleset using If-None-Match so an
// unchanged ruleset costs a 304 and no body. The ETag is kept verbatim as the
// ruleset version, weak validators included.
type HTTPFetcher struct {
	cfg        HTTPConfig
	httpClient *http.Client
	transport  *http.Transport
}

func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("http fetcher: endpoint is required")
	}
	cfg.Endpoint = endpoint

	f := &HTTPFetcher{cfg: cfg, httpClient: cfg.HTTPClient}
	if f.httpClient == nil {
		f.transport = &http.Transport{}
		if base, ok := http.DefaultTransport.(*http.Transport); ok {
			f.transport = base.Clone()
		}
		f.httpClient = &http.Client{Transport: otelhttp.NewTransport(f.transport)}
	}
	return f, nil
}

// Close drops pooled idle connections. A caller-supplied client is asked to
// do the same.
func (f *HTTPFetcher) Close() error {
	if f.transport != nil {
		f.transport.CloseIdleConnections()
		return nil
	}
	f.httpClient.CloseIdleConnections()
	return nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, lastVersion string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.Endpoint+rulesetPath, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	for key, values := range f.cfg.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")
	if lastVersion != "" {
		req.Header.Set("If-None-Match", quoteETag(lastVersion))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch ruleset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Result{NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRulesetBodySize+1))
	if err != nil {
		return Result{}, fmt.Errorf("read ruleset body: %w", err)
	}
	if len(body) > maxRulesetBodySize {
		return Result{}, fmt.Errorf("%w: body exceeds %d bytes", ErrParse, maxRulesetBodySize)
	}

	payload, err := decodeJSONPayload(body)
	if err != nil {
		return Result{}, err
	}
	if etag := strings.TrimSpace(resp.Header.Get("ETag")); etag != "" {
		payload.Version = etag
	}

	ruleset, err := payload.Ruleset()
	if err != nil {
		return Result{}, err
	}
	return Result{Ruleset: ruleset}, nil
}

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ruleset backend: HTTP %d: %s", e.StatusCode, e.Message)
}

func quoteETag(version string) string {
	if strings.HasPrefix(version, `"`) || strings.HasPrefix(version, "W/") {
		return version
	}
	return `"` + version + `"`
}
