package batch

import (
	"encoding/json"
	"fmt"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
)

// Composite is the assembled batch response: the decoded sub-response
// bodies in dispatch order, plus the aggregate cache policy. It
// satisfies cachemeta.Cacheable.
type Composite struct {
	Results []any
	meta    cachemeta.Metadata
}

// CacheMetadata returns the aggregate policy over all sub-responses.
func (c *Composite) CacheMetadata() cachemeta.Metadata { return c.meta }

// Compose decodes each sub-response body and folds the cache metadata
// exposed through its headers into one aggregate. A sub-response that
// exposes no cache metadata forces the aggregate to uncacheable; being
// unable to tell is not the same as being permanently cacheable. An
// undecodable body is a fatal composer error.
func Compose(subs []SubResponse) (*Composite, error) {
	c := &Composite{
		Results: make([]any, len(subs)),
		meta:    cachemeta.New(),
	}
	for i, sub := range subs {
		var decoded any
		if err := json.Unmarshal(sub.Body, &decoded); err != nil {
			return nil, fmt.Errorf("sub-response %d: decode body: %w", i, err)
		}
		c.Results[i] = decoded

		md, known := cachemeta.FromHeaders(sub.Header)
		if !known {
			md = cachemeta.New().WithMaxAge(0)
		}
		c.meta = cachemeta.Merge(c.meta, md)
	}
	return c, nil
}
