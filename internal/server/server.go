// Package server is the HTTP entry point. It parses single and batch
// GraphQL requests, routes batches through the dispatcher/composer, and
// annotates every response with cache headers derived from execution
// metadata.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanmaum/graphbatch/internal/batch"
	"github.com/hanmaum/graphbatch/internal/engine"
	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/events"
	"github.com/hanmaum/graphbatch/internal/processor"
	"github.com/hanmaum/graphbatch/internal/reqstate"
	"github.com/hanmaum/graphbatch/internal/resultcache"
	"github.com/hanmaum/graphbatch/internal/services"
)

// Handler is an http.Handler serving a GraphQL endpoint with batch
// fan-out. A request carrying the reserved "queries" parameter is split
// into isolated sub-requests that re-enter this same handler; anything
// else runs as a single operation through the processor.
type Handler struct {
	eng  engine.Engine
	svcs *services.Registry
	opt  Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata
	// for backend-calling engines. Case-insensitive. Default is none.
	MetadataHeaders []string

	// Cache, when set, serves single-query responses from the result
	// cache whenever their metadata allows it.
	Cache *resultcache.Cache
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithResultCache(c *resultcache.Cache) Option {
	return func(o *Options) { o.Cache = c }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler backed by eng, with svcs injected
// into every execution.
func New(eng engine.Engine, svcs *services.Registry, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if svcs == nil {
		return nil, fmt.Errorf("server: service registry is required")
	}
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{eng: eng, svcs: svcs, opt: op}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqstate.NewContext(ctx)
	status := http.StatusOK
	batched := false
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Batched: batched, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorBody("method not allowed"), h.opt.Pretty)
		return
	}

	// Map configured headers into metadata for backend-calling engines.
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{strconv.FormatInt(rid, 10)}
	ctx = metadata.NewOutgoingContext(ctx, md)

	parsed, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = http.StatusBadRequest
		if perr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorBody(perr.Message), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if parsed.overlays != nil {
		batched = true
		eventbus.Publish(ctx, events.BatchStart{Size: len(parsed.overlays)})
		bstart := time.Now()

		subs := batch.Dispatch(ctx, h, r, parsed.bodyFields, parsed.overlays)
		comp, err := batch.Compose(subs)
		if err != nil {
			status = http.StatusBadGateway
			writeJSON(w, status, errorBody("batch: "+err.Error()), h.opt.Pretty)
			return
		}
		agg := comp.CacheMetadata()
		agg.ApplyHeaders(w.Header())
		eventbus.Publish(ctx, events.BatchFinish{
			Size:     len(parsed.overlays),
			MaxAge:   agg.MaxAge(),
			Duration: time.Since(bstart),
		})
		writeJSON(w, status, comp.Results, h.opt.Pretty)
		return
	}

	status = h.serveSingle(ctx, w, parsed.single)
}

// serveSingle runs one operation, consulting the result cache when one
// is configured, and returns the response status.
func (h *Handler) serveSingle(ctx context.Context, w http.ResponseWriter, req GraphQLRequest) int {
	var key string
	if h.opt.Cache != nil {
		key = resultcache.Key(req.Query, req.Variables)
		if body, md, ok := h.opt.Cache.Get(key); ok {
			eventbus.Publish(ctx, events.CacheHit{Key: key})
			md.ApplyHeaders(w.Header())
			writeRaw(w, http.StatusOK, body)
			return http.StatusOK
		}
		eventbus.Publish(ctx, events.CacheMiss{Key: key})
	}

	exec, err := processor.Run(ctx, processor.QueryDescriptor{Text: req.Query, Variables: req.Variables}, h.svcs, h.eng)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()), h.opt.Pretty)
		return http.StatusInternalServerError
	}

	meta := exec.CacheMetadata()
	meta.ApplyHeaders(w.Header())
	body, merr := marshalJSON(specResult{Data: exec.Data, Errors: exec.Errors}, h.opt.Pretty)
	if merr != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("encode response: "+merr.Error()), h.opt.Pretty)
		return http.StatusInternalServerError
	}
	// Partial success still reports HTTP 200. Only errorless responses
	// are stored; the cache rejects uncacheable metadata itself.
	if h.opt.Cache != nil && len(exec.Errors) == 0 {
		h.opt.Cache.Store(key, body, meta)
	}
	writeRaw(w, http.StatusOK, body)
	return http.StatusOK
}

// ------------------ Request parsing ------------------

// GraphQLRequest is one operation as received over the wire. An empty
// query is passed through; the engine decides what a no-op query means.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type parsedRequest struct {
	single GraphQLRequest

	// overlays is non-nil for batch requests: one entry per item,
	// holding that item's own fields.
	overlays []map[string]any

	// bodyFields holds the outer POST body's fields, the shared
	// defaults for every batch item.
	bodyFields map[string]any
}

type requestError struct {
	Message string
}

func parseRequest(r *http.Request, maxBody int64) (*parsedRequest, *requestError) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if qs := q.Get(batch.Param); qs != "" {
			overlays, err := decodeOverlays([]byte(qs))
			if err != nil {
				return nil, err
			}
			return &parsedRequest{overlays: overlays}, nil
		}
		vars := map[string]any{}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return nil, &requestError{Message: "invalid 'variables' JSON"}
			}
		}
		return &parsedRequest{single: GraphQLRequest{
			Query:         q.Get("query"),
			Variables:     vars,
			OperationName: q.Get("operationName"),
		}}, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, &requestError{Message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, &requestError{Message: "failed to read body"}
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(raw)) > maxBody {
		return nil, &requestError{Message: errBodyTooLargeMessage}
	}

	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &requestError{Message: "invalid JSON"}
		}
	}

	if qv, ok := fields[batch.Param]; ok {
		qb, err := json.Marshal(qv)
		if err != nil {
			return nil, &requestError{Message: "invalid 'queries' value"}
		}
		overlays, derr := decodeOverlays(qb)
		if derr != nil {
			return nil, derr
		}
		return &parsedRequest{overlays: overlays, bodyFields: fields}, nil
	}

	req := GraphQLRequest{Variables: map[string]any{}}
	if s, ok := fields["query"].(string); ok {
		req.Query = s
	}
	if s, ok := fields["operationName"].(string); ok {
		req.OperationName = s
	}
	switch v := fields["variables"].(type) {
	case map[string]any:
		req.Variables = v
	case string:
		vars := map[string]any{}
		if err := json.Unmarshal([]byte(v), &vars); err != nil {
			return nil, &requestError{Message: "invalid 'variables' JSON"}
		}
		req.Variables = vars
	}
	return &parsedRequest{single: req, bodyFields: fields}, nil
}

func decodeOverlays(raw []byte) ([]map[string]any, *requestError) {
	var overlays []map[string]any
	if err := json.Unmarshal(raw, &overlays); err != nil {
		return nil, &requestError{Message: "invalid 'queries' JSON: expected an array of objects"}
	}
	if len(overlays) == 0 {
		return nil, &requestError{Message: "empty batch"}
	}
	return overlays, nil
}

// ------------------ Response formatting ------------------

type specResult struct {
	Data   any                   `json:"data"`
	Errors []engine.GraphQLError `json:"errors,omitempty"`
}

func errorBody(msg string) specResult {
	return specResult{Errors: []engine.GraphQLError{{Message: msg}}}
}

func marshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	body, err := marshalJSON(v, pretty)
	if err != nil {
		http.Error(w, `{"data":null,"errors":[{"message":"encode response"}]}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
