package engine

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/hanmaum/graphbatch/internal/services"
)

// ResolversService is the well-known registry name under which the
// Simple engine expects its map[string]Resolver.
const ResolversService = "resolvers"

// Resolver computes one root field. Resolvers raise cache metadata
// through render.Bubble on ctx; the processor collects it.
type Resolver func(ctx context.Context, args map[string]any) (any, error)

// Simple executes root fields through a resolver map. It parses the
// query with gqlparser, coerces argument literals against the provided
// variables, and invokes one resolver per selected field. Nested
// selection sets are the resolver's concern: whatever value it returns
// is serialized as-is.
type Simple struct{}

// NewSimple returns a resolver-map engine.
func NewSimple() *Simple { return &Simple{} }

func (s *Simple) Execute(ctx context.Context, query string, variables map[string]any, svcs *services.Registry) (*Result, error) {
	h, err := svcs.Get(ResolversService)
	if err != nil {
		return nil, err
	}
	resolvers, ok := h.(map[string]Resolver)
	if !ok {
		return nil, fmt.Errorf("service %q has type %T, want map[string]engine.Resolver", ResolversService, h)
	}

	if query == "" {
		return ErrorResult("no operation provided"), nil
	}
	doc, perr := parser.ParseQuery(&ast.Source{Input: query})
	if perr != nil {
		return ErrorResult(perr.Error()), nil
	}
	op := doc.Operations.ForName("")
	if op == nil && len(doc.Operations) > 0 {
		op = doc.Operations[0]
	}
	if op == nil {
		return ErrorResult("no operation provided"), nil
	}
	if variables == nil {
		variables = map[string]any{}
	}

	res := &Result{}
	data := make(map[string]any, len(op.SelectionSet))
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			res.Errors = append(res.Errors, GraphQLError{Message: "fragments are not supported by the resolver-map engine"})
			continue
		}
		alias := field.Alias
		if alias == "" {
			alias = field.Name
		}
		resolver, ok := resolvers[field.Name]
		if !ok {
			data[alias] = nil
			res.Errors = append(res.Errors, GraphQLError{
				Message: fmt.Sprintf("no resolver for field %q", field.Name),
				Path:    []any{alias},
			})
			continue
		}
		args, aerr := coerceArgs(field.Arguments, variables)
		if aerr != nil {
			data[alias] = nil
			res.Errors = append(res.Errors, GraphQLError{Message: aerr.Error(), Path: []any{alias}})
			continue
		}
		val, rerr := resolver(ctx, args)
		if rerr != nil {
			data[alias] = nil
			res.Errors = append(res.Errors, GraphQLError{Message: rerr.Error(), Path: []any{alias}})
			continue
		}
		data[alias] = val
	}
	res.Data = data
	return res, nil
}

func coerceArgs(list ast.ArgumentList, variables map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(list))
	for _, arg := range list {
		v, err := arg.Value.Value(variables)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg.Name, err)
		}
		args[arg.Name] = v
	}
	return args, nil
}
