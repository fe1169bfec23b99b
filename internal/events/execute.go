package events

import "time"

// ExecuteStart is emitted before executing one GraphQL operation.
type ExecuteStart struct {
	Query string
}

// ExecuteFinish is emitted after one GraphQL operation completes.
// MaxAge is the execution's aggregate cache max-age (-1 = permanent).
type ExecuteFinish struct {
	Query    string
	Errors   []error
	MaxAge   int64
	Duration time.Duration
}

// BatchStart is emitted before fanning out a batch request.
type BatchStart struct {
	Size int
}

// BatchFinish is emitted after a batch response is composed.
// MaxAge is the aggregate cache max-age over all sub-responses.
type BatchFinish struct {
	Size     int
	MaxAge   int64
	Duration time.Duration
}
