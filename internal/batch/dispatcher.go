// Package batch implements the fan-out of one HTTP request carrying
// multiple GraphQL operations: the dispatcher builds one isolated
// sub-request per overlay and re-enters the serving pipeline for each,
// and the composer folds the ordered sub-responses into one body with
// one aggregate cache policy.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Param is the reserved batching parameter. It is stripped from every
// sub-request so a batch item can never trigger another fan-out.
const Param = "queries"

// SubResponse is one sub-request's raw response.
type SubResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Dispatch fans outer out into one isolated sub-request per overlay and
// runs each through next, the same top-level pipeline that handled the
// original request. Sub-requests share the outer request's headers,
// cookies, and context (session continuity) but nothing mutable.
// Dispatches run concurrently; the returned slice matches the overlay
// order exactly. A failure building or serving one sub-request becomes
// an error response in that slot, never a hole.
func Dispatch(ctx context.Context, next http.Handler, outer *http.Request, outerBody map[string]any, overlays []map[string]any) []SubResponse {
	out := make([]SubResponse, len(overlays))
	var wg sync.WaitGroup
	for i, overlay := range overlays {
		wg.Add(1)
		go func(i int, overlay map[string]any) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out[i] = errorSlot(fmt.Sprintf("sub-request panicked: %v", r))
				}
			}()
			sub, err := isolate(ctx, outer, outerBody, overlay)
			if err != nil {
				out[i] = errorSlot(err.Error())
				return
			}
			rec := newRecorder()
			next.ServeHTTP(rec, sub)
			out[i] = rec.snapshot()
		}(i, overlay)
	}
	wg.Wait()
	return out
}

// isolate builds one sub-request: the outer query string overlaid with
// the overlay's fields, and for body-carrying methods the outer body
// fields as defaults under the overlay's own, with the batching
// parameter excluded from both.
func isolate(ctx context.Context, outer *http.Request, outerBody map[string]any, overlay map[string]any) (*http.Request, error) {
	sub := outer.Clone(ctx)

	params := sub.URL.Query()
	for k, v := range overlay {
		s, err := paramString(v)
		if err != nil {
			return nil, fmt.Errorf("overlay field %q: %w", k, err)
		}
		params.Set(k, s)
	}
	params.Del(Param)
	sub.URL.RawQuery = params.Encode()
	sub.RequestURI = sub.URL.RequestURI()

	if outer.Method == http.MethodPost {
		merged := make(map[string]any, len(outerBody)+len(overlay))
		for k, v := range outerBody {
			merged[k] = v
		}
		for k, v := range overlay {
			merged[k] = v
		}
		delete(merged, Param)
		body, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encode sub-request body: %w", err)
		}
		sub.Body = io.NopCloser(bytes.NewReader(body))
		sub.ContentLength = int64(len(body))
		sub.Header.Set("Content-Type", "application/json")
	} else {
		sub.Body = http.NoBody
		sub.ContentLength = 0
	}
	return sub, nil
}

func paramString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func errorSlot(msg string) SubResponse {
	body, _ := json.Marshal(map[string]any{
		"errors": []map[string]any{{"message": msg}},
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return SubResponse{Status: http.StatusInternalServerError, Header: h, Body: body}
}

// recorder captures a sub-handler's response in memory.
type recorder struct {
	status int
	header http.Header
	buf    bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: http.Header{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) { r.status = code }

func (r *recorder) Write(p []byte) (int, error) { return r.buf.Write(p) }

func (r *recorder) snapshot() SubResponse {
	return SubResponse{Status: r.status, Header: r.header, Body: r.buf.Bytes()}
}
