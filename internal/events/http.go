// Package events defines the typed events published through the
// eventbus by the serving layer. Subscribers (otel, logging) observe
// them without the handlers knowing about telemetry.
package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an HTTP request is received.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler completes. Batched reports
// whether the request took the batch fan-out path.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Batched  bool
	Duration time.Duration
}
