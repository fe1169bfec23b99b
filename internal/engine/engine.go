// Package engine defines the execution engine contract consumed by the
// serving layer, plus two implementations: a resolver-map engine for
// embedding, and a remote engine that proxies to an upstream GraphQL
// endpoint. The serving layer treats engines as validation-complete
// black boxes: syntax and resolver errors surface inside the Result,
// never as Go errors.
package engine

import (
	"context"

	"github.com/hanmaum/graphbatch/internal/services"
)

// Engine executes one GraphQL operation. The error return is reserved
// for infrastructure failures (missing service, unreachable backend);
// anything the GraphQL spec models as an error belongs in Result.Errors.
type Engine interface {
	Execute(ctx context.Context, query string, variables map[string]any, svcs *services.Registry) (*Result, error)
}

// GraphQLError is one entry of a result's errors list.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string { return e.Message }

// Result is the outcome of executing a GraphQL operation.
type Result struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// ErrorResult builds a data-less result from a single error message.
func ErrorResult(msg string) *Result {
	return &Result{Errors: []GraphQLError{{Message: msg}}}
}
