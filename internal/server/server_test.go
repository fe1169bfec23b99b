package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
	"github.com/hanmaum/graphbatch/internal/engine"
	"github.com/hanmaum/graphbatch/internal/reqstate"
	"github.com/hanmaum/graphbatch/internal/resultcache"
	"github.com/hanmaum/graphbatch/internal/services"
)

func newTestHandler(t *testing.T, eng engine.Engine, opts ...Option) *Handler {
	t.Helper()
	h, err := New(eng, services.New(nil), opts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func postJSON(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSingleQueryDefaultPermanent(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{ field }": engine.NewMockValueExecute(map[string]any{"field": "value"}, cachemeta.New()),
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"query":"{ field }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"field":"value"}}`, w.Body.String())
	require.Equal(t, "public", w.Header().Get(cachemeta.HeaderCacheControl),
		"default policy is permanent unless the engine raises a tighter one")
}

func TestSingleQueryRestrictivePolicy(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{ field }": engine.NewMockValueExecute(
			map[string]any{"field": 1},
			cachemeta.New().WithMaxAge(300).WithTags("node:1"),
		),
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"query":"{ field }"}`)
	require.Equal(t, "public, max-age=300", w.Header().Get(cachemeta.HeaderCacheControl))
	require.Equal(t, "node:1", w.Header().Get(cachemeta.HeaderTags))
}

func TestSingleQueryGet(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": engine.NewMockValueExecute(map[string]any{"a": 1}, cachemeta.New()),
	})
	h := newTestHandler(t, eng)

	req := httptest.NewRequest("GET", "/graphql?query="+url.QueryEscape("{a}"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"a":1}}`, w.Body.String())
}

func TestEngineErrorsStillHTTPSuccess(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{ bad }": func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
			return engine.ErrorResult("field error"), nil
		},
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"query":"{ bad }"}`)
	require.Equal(t, http.StatusOK, w.Code, "GraphQL errors are partial success, not transport failure")
	require.JSONEq(t, `{"data":null,"errors":[{"message":"field error"}]}`, w.Body.String())
}

func TestInfrastructureErrorIsServerError(t *testing.T) {
	h := newTestHandler(t, engine.NewSimple()) // registry lacks the resolvers service
	w := postJSON(h, `{"query":"{ a }"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBatchOrderedResults(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": engine.NewMockValueExecute(map[string]any{"a": 1}, cachemeta.New()),
		"{b}": engine.NewMockValueExecute(map[string]any{"b": 2}, cachemeta.New().WithMaxAge(300)),
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"queries":[{"query":"{a}"},{"query":"{b}"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, map[string]any{"a": float64(1)}, results[0]["data"])
	require.Equal(t, map[string]any{"b": float64(2)}, results[1]["data"])

	require.Equal(t, "public, max-age=300", w.Header().Get(cachemeta.HeaderCacheControl),
		"aggregate reflects the tighter sibling")
}

func TestBatchSiblingPolicyAggregation(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": engine.NewMockValueExecute(map[string]any{"a": 1}, cachemeta.New()),
		"{b}": engine.NewMockValueExecute(map[string]any{"b": 2}, cachemeta.New().WithMaxAge(300)),
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"queries":[{"query":"{b}"},{"query":"{a}"}]}`)
	md, ok := cachemeta.FromHeaders(w.Header())
	require.True(t, ok)
	require.Equal(t, int64(300), md.MaxAge(), "permanent sibling must not loosen the aggregate")
}

func TestBatchSharedQueryFallback(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{shared}": func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
			return &engine.Result{Data: map[string]any{"vars": variables}}, nil
		},
	})
	h := newTestHandler(t, eng)

	// Second item overlays variables but omits query: the shared outer
	// query field is its default.
	w := postJSON(h, `{"query":"{shared}","queries":[{"variables":{"x":1}},{"variables":{"x":2}}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, map[string]any{"vars": map[string]any{"x": float64(1)}}, results[0]["data"])
	require.Equal(t, map[string]any{"vars": map[string]any{"x": float64(2)}}, results[1]["data"])
}

func TestBatchKeyStripping(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": engine.NewMockValueExecute(map[string]any{"a": 1}, cachemeta.New()),
	})
	h := newTestHandler(t, eng)

	// The overlay smuggles its own "queries" field; it must dispatch as
	// a plain single query instead of recursing.
	w := postJSON(h, `{"queries":[{"queries":[{"query":"{evil}"}],"query":"{a}"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, map[string]any{"a": float64(1)}, results[0]["data"])

	for _, call := range eng.Calls() {
		require.Equal(t, "{a}", call.Query)
	}
}

func TestBatchViaGetParam(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": engine.NewMockValueExecute(map[string]any{"a": 1}, cachemeta.New()),
		"{b}": engine.NewMockValueExecute(map[string]any{"b": 2}, cachemeta.New()),
	})
	h := newTestHandler(t, eng)

	qs := url.QueryEscape(`[{"query":"{a}"},{"query":"{b}"}]`)
	req := httptest.NewRequest("GET", "/graphql?queries="+qs, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
}

func TestBatchEmpty(t *testing.T) {
	h := newTestHandler(t, engine.NewMockEngine(nil))
	w := postJSON(h, `{"queries":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchItemErrorKeepsShape(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{ok}": engine.NewMockValueExecute(map[string]any{"ok": true}, cachemeta.New()),
		"{bad}": func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
			return engine.ErrorResult("nope"), nil
		},
	})
	h := newTestHandler(t, eng)

	w := postJSON(h, `{"queries":[{"query":"{bad}"},{"query":"{ok}"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	require.Contains(t, results[0], "errors")
	require.Equal(t, map[string]any{"ok": true}, results[1]["data"])
}

func TestResultCacheRoundTrip(t *testing.T) {
	cache, err := resultcache.New(1<<20, 0)
	require.NoError(t, err)
	defer cache.Close()

	calls := 0
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{a}": func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
			calls++
			return &engine.Result{Data: map[string]any{"a": calls}}, nil
		},
	})
	h := newTestHandler(t, eng, WithResultCache(cache))

	first := postJSON(h, `{"query":"{a}"}`)
	require.Equal(t, http.StatusOK, first.Code)
	cache.Wait()

	second := postJSON(h, `{"query":"{a}"}`)
	require.Equal(t, first.Body.String(), second.Body.String(), "second request is served from cache")
	require.Equal(t, 1, calls)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, engine.NewMockEngine(nil))
	req := httptest.NewRequest("PUT", "/graphql", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, engine.NewMockEngine(nil), WithMaxBodyBytes(10))
	w := postJSON(h, `{"query":"1234567890"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"{ hello }": engine.NewMockValueExecute(map[string]any{"hello": "world"}, cachemeta.New()),
	})
	h := newTestHandler(t, eng, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/graphql", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestForwardedHeaders(t *testing.T) {
	var captured metadata.MD
	var capturedID int64
	eng := engine.NewMockEngine(nil)
	eng.SetFallback(func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
		captured, _ = metadata.FromOutgoingContext(ctx)
		capturedID, _ = reqstate.ID(ctx)
		return &engine.Result{Data: nil}, nil
	})
	h := newTestHandler(t, eng, WithMetadataHeaders("X-Test"))

	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test", "abc")
	req.Header.Set("X-Other", "nope")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if captured == nil || captured.Get("x-test")[0] != "abc" || len(captured.Get("x-other")) > 0 {
		t.Fatalf("metadata not propagated correctly: %v", captured)
	}
	if capturedID == 0 {
		t.Fatalf("missing request id in context")
	}
	if got := captured.Get("graphql-request-id"); len(got) == 0 || got[0] != strconv.FormatInt(capturedID, 10) {
		t.Fatalf("metadata mismatch: %v id %d", captured, capturedID)
	}
}

func TestEmptyQueryDoesNotCrash(t *testing.T) {
	eng := engine.NewMockEngine(map[string]engine.MockExecute{
		"": func(ctx context.Context, variables map[string]any) (*engine.Result, error) {
			return engine.ErrorResult("no operation provided"), nil
		},
	})
	h := newTestHandler(t, eng)
	w := postJSON(h, `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "no operation provided")
}
