package cachemeta

import (
	"net/http"
	"strconv"
	"strings"
)

// HTTP header names carrying the metadata between the serving layer and
// downstream caches (and back from sub-responses during batch assembly).
const (
	HeaderCacheControl = "Cache-Control"
	HeaderTags         = "X-Cache-Tags"
	HeaderContexts     = "X-Cache-Contexts"
)

// ApplyHeaders writes m onto h as response headers. Permanent renders as
// "public" with no max-age, zero as "no-store", anything else as
// "public, max-age=N". Tags and contexts are space-separated.
func (m Metadata) ApplyHeaders(h http.Header) {
	switch {
	case m.maxAge == Permanent:
		h.Set(HeaderCacheControl, "public")
	case m.maxAge == 0:
		h.Set(HeaderCacheControl, "no-store")
	default:
		h.Set(HeaderCacheControl, "public, max-age="+strconv.FormatInt(m.maxAge, 10))
	}
	if tags := m.Tags(); len(tags) > 0 {
		h.Set(HeaderTags, strings.Join(tags, " "))
	}
	if ctxs := m.Contexts(); len(ctxs) > 0 {
		h.Set(HeaderContexts, strings.Join(ctxs, " "))
	}
}

// FromHeaders reconstructs metadata from response headers. The second
// return value is false when h carries no Cache-Control at all, meaning
// the response's cacheability is unknown. Directives that forbid shared
// caching (no-store, no-cache, private) read as uncacheable regardless
// of any max-age beside them.
func FromHeaders(h http.Header) (Metadata, bool) {
	cc := h.Values(HeaderCacheControl)
	if len(cc) == 0 {
		return New(), false
	}
	dir := parseCacheControl(cc)
	md := New()
	if uncacheable(dir) {
		md = md.WithMaxAge(0)
	} else if v, ok := dir["max-age"]; ok {
		age, err := strconv.ParseInt(v, 10, 64)
		if err != nil || age < 0 {
			md = md.WithMaxAge(0)
		} else {
			md = md.WithMaxAge(age)
		}
	}
	md = md.WithTags(strings.Fields(h.Get(HeaderTags))...)
	md = md.WithContexts(strings.Fields(h.Get(HeaderContexts))...)
	return md, true
}

// uncacheable reports whether the directive set forbids storing the
// response in a shared cache. no-store, no-cache and private all win
// over any max-age present alongside them.
func uncacheable(dir map[string]string) bool {
	for _, name := range []string{"no-store", "no-cache", "private"} {
		if _, ok := dir[name]; ok {
			return true
		}
	}
	return false
}

// parseCacheControl splits Cache-Control header values into a
// directive->argument map. Directive names compare case-insensitively and
// arguments may be quoted.
func parseCacheControl(headers []string) map[string]string {
	dir := make(map[string]string)
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, arg, _ := strings.Cut(part, "=")
			dir[strings.ToLower(name)] = strings.Trim(arg, `"`)
		}
	}
	return dir
}
