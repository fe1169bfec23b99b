package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc/metadata"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
	"github.com/hanmaum/graphbatch/internal/render"
	"github.com/hanmaum/graphbatch/internal/services"
)

// Remote proxies execution to an upstream GraphQL endpoint over HTTP.
// Cache metadata exposed by the upstream through response headers is
// bubbled into the active render scope, so the processor folds the
// upstream's policy into its own.
type Remote struct {
	url    string
	client *http.Client
}

type RemoteOption func(*Remote)

// WithHTTPClient overrides the default http.DefaultClient.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// NewRemote returns an engine posting operations to url.
func NewRemote(url string, opts ...RemoteOption) *Remote {
	r := &Remote{url: url, client: http.DefaultClient}
	for _, o := range opts {
		o(r)
	}
	return r
}

type remoteRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (r *Remote) Execute(ctx context.Context, query string, variables map[string]any, svcs *services.Registry) (*Result, error) {
	body, err := json.Marshal(remoteRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Headers the server forwarded into metadata travel to the upstream.
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream %s: status %d", r.url, resp.StatusCode)
	}

	if md, ok := cachemeta.FromHeaders(resp.Header); ok {
		render.Bubble(ctx, md)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &res, nil
}
