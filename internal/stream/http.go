// Package stream — http.go
//
// HTTP fallback transport.
//
// POST {ingest_url} with Content-Type: application/octet-stream and the
// length-prefixed batch as the body. The server responds 200 with a JSON
// array of acknowledged event IDs, so acks are synchronous on this
// transport.
//
// Status mapping:
//
//	2xx            → acked IDs from the body
//	401, 403       → ErrAuthFailed (not retried)
//	other 4xx      → ErrServerRejected (batch quarantined)
//	5xx, transport → ErrHTTP (retried with backoff)
//	deadline       → ErrTimeout (retried with backoff)

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	IngestURL      string
	AuthToken      string
	RequestTimeout time.Duration

	// Client overrides the default http.Client (tests).
	Client *http.Client

	Logger *zap.Logger
}

// HTTPTransport ships batches over HTTP POST.
type HTTPTransport struct {
	opts   HTTPOptions
	client *http.Client
	log    *zap.Logger
}

// NewHTTPTransport builds the transport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}
	return &HTTPTransport{opts: opts, client: client, log: opts.Logger}
}

// Name implements Transport.
func (t *HTTPTransport) Name() string { return "http" }

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, b *Batch) ([]string, error) {
	wire, err := b.Encode()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.opts.IngestURL, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrHTTP, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if t.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.opts.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: post %s", ErrTimeout, t.opts.IngestURL)
		}
		return nil, fmt.Errorf("%w: post: %v", ErrHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTP, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ids []string
		if err := json.Unmarshal(body, &ids); err != nil {
			return nil, fmt.Errorf("%w: ack body: %v", ErrSerialize, err)
		}
		return ids, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrServerRejected, resp.StatusCode, truncate(body, 200))
	default:
		return nil, fmt.Errorf("%w: status %d", ErrHTTP, resp.StatusCode)
	}
}

// Probe implements Transport. Issues a HEAD to the ingest URL; anything
// the server answers (including 405) proves reachability.
func (t *HTTPTransport) Probe(ctx context.Context) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, t.opts.IngestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build probe: %v", ErrHTTP, err)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: probe %s", ErrTimeout, t.opts.IngestURL)
		}
		return 0, fmt.Errorf("%w: probe: %v", ErrHTTP, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("%w: probe status %d", ErrHTTP, resp.StatusCode)
	}
	return float64(time.Since(start).Milliseconds()), nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
