// Package clients holds HTTP clients for the services this engine depends on
// but does not own: the session registry, the user store, the conversation
// store and the message service.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from a dependency.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// baseClient is the JSON-over-HTTP plumbing shared by every client.
//
// Failures are classified:
//   - 404 → NotFound kind
//   - other 4xx → Fatal kind (the same input will fail again)
//   - 5xx, timeouts, connection errors → Transient kind
type baseClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func newBaseClient(name, baseURL string, httpClient *http.Client, log *slog.Logger) baseClient {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return baseClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        log.With("component", name),
	}
}

func (c *baseClient) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.name, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return svcErr.Transient(fmt.Sprintf("%s: %s %s", c.name, method, path), err)
	}
	defer resp.Body.Close()

	c.log.Debug("dependency call", "method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return &svcErr.Error{Kind: svcErr.KindNotFound, Msg: c.name, Err: se}
		case resp.StatusCode >= 500:
			return svcErr.Transient(c.name, se)
		default:
			return svcErr.Fatal(c.name, se)
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return svcErr.Transient(fmt.Sprintf("%s: decode %s %s", c.name, method, path), err)
	}
	return nil
}
