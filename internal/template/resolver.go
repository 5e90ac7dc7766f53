// Package template implements the {{...}} expression language embedded in
// action configs: dotted path navigation over the run context, chainable
// functions, pipes, inline OQL, and #each/#if block helpers.
package template

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"staqflow/internal/automation"
	"staqflow/internal/logging"
	"staqflow/internal/onstaq"
)

// Resolver substitutes template expressions against an execution context.
// It performs no I/O except for oql: expressions and lookup() calls.
type Resolver struct {
	api    onstaq.API
	logger logging.Logger
}

// NewResolver creates a resolver backed by the upstream API.
func NewResolver(api onstaq.API) *Resolver {
	return &Resolver{
		api:    api,
		logger: logging.NewComponentLogger("TemplateResolver"),
	}
}

var expressionPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Resolve substitutes every {{...}} expression in input. Block helpers are
// expanded first, then remaining expressions are evaluated and stringified.
func (r *Resolver) Resolve(ctx context.Context, input string, ec *automation.ExecutionContext) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}
	env := buildEnv(ec)
	fctx := r.funcContext(ctx, ec)
	return r.resolveWithEnv(input, env, fctx)
}

func (r *Resolver) resolveWithEnv(input string, env map[string]any, fctx *funcContext) (string, error) {
	expanded, err := r.processBlocks(input, env, fctx)
	if err != nil {
		return "", err
	}
	return r.substituteExpressions(expanded, env, fctx)
}

func (r *Resolver) substituteExpressions(input string, env map[string]any, fctx *funcContext) (string, error) {
	var firstErr error
	result := expressionPattern.ReplaceAllStringFunc(input, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		// Unexpanded block tags (loop guard tripped) pass through untouched.
		if expr == "" || expr == "else" || strings.HasPrefix(expr, "#") || strings.HasPrefix(expr, "/") {
			return match
		}
		value, err := r.evalExpression(expr, env, fctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// evalExpression evaluates one expression body. Parse errors fall back to the
// legacy dotted-path resolver; evaluation errors propagate and fail the
// enclosing action.
func (r *Resolver) evalExpression(expr string, env map[string]any, fctx *funcContext) (any, error) {
	if query, ok := strings.CutPrefix(expr, "oql:"); ok {
		return r.runInlineQuery(strings.TrimSpace(query), fctx)
	}

	parsed, err := parseExpression(expr)
	if err != nil {
		r.logger.Debug("Expression %q failed to parse (%v), using legacy resolution", expr, err)
		return legacyResolve(expr, env), nil
	}

	eval := &evaluator{env: env, fctx: fctx}
	value, err := eval.eval(parsed)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return value, nil
}

// runInlineQuery executes the remainder of the expression as a literal query.
// One row and one column collapse to the scalar, one row to the row map,
// anything else to the row array. Query failures raise out of the template.
func (r *Resolver) runInlineQuery(query string, fctx *funcContext) (any, error) {
	if fctx == nil || fctx.api == nil {
		return nil, fmt.Errorf("oql expressions are not available in this context")
	}
	result, err := fctx.api.ExecuteQuery(fctx.ctx, fctx.workspaceID, query)
	if err != nil {
		return nil, fmt.Errorf("inline query failed: %w", err)
	}
	rows := make([]any, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = toValue(row)
	}
	if len(rows) == 1 {
		row, ok := rows[0].(map[string]any)
		if ok && len(row) == 1 {
			for _, value := range row {
				return value, nil
			}
		}
		return rows[0], nil
	}
	return rows, nil
}

func (r *Resolver) funcContext(ctx context.Context, ec *automation.ExecutionContext) *funcContext {
	workspaceID := ""
	if ec != nil {
		workspaceID = ec.WorkspaceID
	}
	return &funcContext{ctx: ctx, workspaceID: workspaceID, api: r.api}
}

// ResolveDeep walks a structured value, resolving every string leaf and
// preserving structure. Non-string scalars pass through.
func (r *Resolver) ResolveDeep(ctx context.Context, value any, ec *automation.ExecutionContext) (any, error) {
	switch typed := value.(type) {
	case string:
		return r.Resolve(ctx, typed, ec)
	case map[string]any:
		resolved := make(map[string]any, len(typed))
		for key, entry := range typed {
			resolvedEntry, err := r.ResolveDeep(ctx, entry, ec)
			if err != nil {
				return nil, err
			}
			resolved[key] = resolvedEntry
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(typed))
		for i, entry := range typed {
			resolvedEntry, err := r.ResolveDeep(ctx, entry, ec)
			if err != nil {
				return nil, err
			}
			resolved[i] = resolvedEntry
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// buildEnv constructs the context roots visible to expressions.
func buildEnv(ec *automation.ExecutionContext) map[string]any {
	env := map[string]any{
		"env": map[string]any{
			"NOW":   time.Now().UTC().Format(time.RFC3339),
			"TODAY": time.Now().UTC().Format("2006-01-02"),
		},
	}
	if ec == nil {
		env["trigger"] = map[string]any{}
		env["variables"] = map[string]any{}
		env["context"] = map[string]any{}
		env["action"] = []any{}
		env["item"] = nil
		env["currentItem"] = nil
		return env
	}

	trigger := map[string]any{}
	if ec.Trigger != nil {
		if converted, ok := toValue(ec.Trigger).(map[string]any); ok {
			trigger = converted
		}
		trigger["previous"] = trigger["previousValues"]
		if item, ok := trigger["item"].(map[string]any); ok {
			user := item["createdBy"]
			if user == nil || user == "" {
				user = item["updatedBy"]
			}
			trigger["user"] = user
		}
	}
	env["trigger"] = trigger

	variables := toValue(ec.Variables)
	if variables == nil {
		variables = map[string]any{}
	}
	env["variables"] = variables
	env["context"] = variables

	var current any
	if item := ec.EffectiveItem(); item != nil {
		current = toValue(item)
	}
	env["item"] = current
	env["currentItem"] = current

	results := toValue(ec.ComponentResults)
	if results == nil {
		results = []any{}
	}
	env["action"] = results

	return env
}

// legacyResolve is the fallback resolver used when an expression fails to
// parse: plain dotted-path navigation over the same roots, no functions,
// blocks, or operators. Unresolvable paths yield the empty string.
func legacyResolve(expr string, env map[string]any) any {
	segments := strings.Split(strings.TrimSpace(expr), ".")
	if len(segments) == 0 {
		return ""
	}
	root, ok := env[segments[0]]
	if !ok {
		return ""
	}
	value := root
	for _, segment := range segments[1:] {
		if value == nil {
			return ""
		}
		value = navigate(value, segment)
	}
	if value == nil {
		return ""
	}
	return value
}
