// Package processor wraps a single GraphQL execution: it scopes the
// rendering side effects, runs the engine, and folds everything the
// execution raised into one cache policy.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/hanmaum/graphbatch/internal/cachemeta"
	"github.com/hanmaum/graphbatch/internal/engine"
	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/events"
	"github.com/hanmaum/graphbatch/internal/render"
	"github.com/hanmaum/graphbatch/internal/reqstate"
	"github.com/hanmaum/graphbatch/internal/services"
)

// StateKey is the reqstate attribute under which Run stores the
// finished Execution for audit and logging consumers.
const StateKey = "graphql.execution"

// QueryDescriptor is one operation to execute. Immutable once built.
type QueryDescriptor struct {
	Text      string
	Variables map[string]any
}

// Execution is the outcome of one processed operation. It satisfies
// cachemeta.Cacheable, so callers fold it directly into an aggregate.
type Execution struct {
	Data   any
	Errors []engine.GraphQLError
	meta   cachemeta.Metadata
}

// CacheMetadata returns the execution's accumulated cache policy.
func (e *Execution) CacheMetadata() cachemeta.Metadata { return e.meta }

// Run executes q through eng with svcs injected. Metadata bubbled by
// resolvers while rendering is captured in a scope private to this
// execution and merged into the result; nothing leaks to the caller's
// ambient context. Engine-level errors come back inside the Execution;
// only infrastructure failures return a Go error.
func Run(ctx context.Context, q QueryDescriptor, svcs *services.Registry, eng engine.Engine) (*Execution, error) {
	if eng == nil {
		return nil, fmt.Errorf("processor: no engine configured")
	}
	if svcs == nil {
		return nil, fmt.Errorf("processor: no service registry configured")
	}

	ctx, scope := render.WithScope(ctx)

	start := time.Now()
	eventbus.Publish(ctx, events.ExecuteStart{Query: q.Text})
	res, err := eng.Execute(ctx, q.Text, q.Variables, svcs)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	exec := &Execution{
		Data:   res.Data,
		Errors: res.Errors,
		meta:   cachemeta.Merge(cachemeta.New(), scope.Collected()),
	}

	errs := make([]error, len(res.Errors))
	for i := range res.Errors {
		errs[i] = res.Errors[i]
	}
	eventbus.Publish(ctx, events.ExecuteFinish{
		Query:    q.Text,
		Errors:   errs,
		MaxAge:   exec.meta.MaxAge(),
		Duration: time.Since(start),
	})

	if st, ok := reqstate.FromContext(ctx); ok {
		st.Set(StateKey, exec)
	}
	return exec, nil
}
