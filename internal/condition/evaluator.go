// Package condition evaluates boolean condition trees against a run context.
package condition

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"staqflow/internal/automation"
	"staqflow/internal/logging"
	"staqflow/internal/onstaq"
	"staqflow/internal/template"
)

// Diagnostic records how a condition node evaluated, mirroring the tree.
type Diagnostic struct {
	Kind     string        `json:"kind"`
	Detail   string        `json:"detail,omitempty"`
	Passed   bool          `json:"passed"`
	Children []*Diagnostic `json:"children,omitempty"`
}

// Evaluator evaluates condition trees. Leaf kinds needing I/O (oql,
// reference) go through the upstream API.
type Evaluator struct {
	api      onstaq.API
	resolver *template.Resolver
	logger   logging.Logger
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator(api onstaq.API, resolver *template.Resolver) *Evaluator {
	return &Evaluator{
		api:      api,
		resolver: resolver,
		logger:   logging.NewComponentLogger("ConditionEvaluator"),
	}
}

// Evaluate returns pass/fail plus a diagnostic. Any evaluation error makes
// the whole condition false with the error recorded.
func (e *Evaluator) Evaluate(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) (bool, *Diagnostic) {
	passed, diag, err := e.evaluate(ctx, cond, ec)
	if err != nil {
		e.logger.Warn("Condition evaluation error for %s: %v", ec.AutomationID, err)
		return false, &Diagnostic{Kind: "error", Detail: err.Error(), Passed: false}
	}
	return passed, diag
}

func (e *Evaluator) evaluate(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) (bool, *Diagnostic, error) {
	if cond == nil {
		return true, &Diagnostic{Kind: "empty", Passed: true}, nil
	}
	if cond.IsLeaf() {
		return e.evaluateLeaf(ctx, cond, ec)
	}

	diag := &Diagnostic{Kind: cond.Operator}
	switch cond.Operator {
	case automation.OperatorAnd:
		for i := range cond.Conditions {
			passed, child, err := e.evaluate(ctx, &cond.Conditions[i], ec)
			if err != nil {
				return false, nil, err
			}
			diag.Children = append(diag.Children, child)
			if !passed {
				diag.Passed = false
				return false, diag, nil
			}
		}
		diag.Passed = true
		return true, diag, nil

	case automation.OperatorOr:
		for i := range cond.Conditions {
			passed, child, err := e.evaluate(ctx, &cond.Conditions[i], ec)
			if err != nil {
				return false, nil, err
			}
			diag.Children = append(diag.Children, child)
			if passed {
				diag.Passed = true
				return true, diag, nil
			}
		}
		diag.Passed = false
		return false, diag, nil

	case automation.OperatorNot:
		if len(cond.Conditions) != 1 {
			return false, nil, fmt.Errorf("NOT requires exactly one child, got %d", len(cond.Conditions))
		}
		passed, child, err := e.evaluate(ctx, &cond.Conditions[0], ec)
		if err != nil {
			return false, nil, err
		}
		diag.Children = append(diag.Children, child)
		diag.Passed = !passed
		return !passed, diag, nil

	default:
		return false, nil, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}
}

func (e *Evaluator) evaluateLeaf(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) (bool, *Diagnostic, error) {
	switch cond.Kind {
	case automation.ConditionAttribute:
		passed, detail := evaluateAttribute(cond, ec)
		return passed, &Diagnostic{Kind: cond.Kind, Detail: detail, Passed: passed}, nil

	case automation.ConditionQuery:
		return e.evaluateQuery(ctx, cond, ec)

	case automation.ConditionReference:
		return e.evaluateReference(ctx, cond, ec)

	case automation.ConditionTemplate:
		resolved, err := e.resolver.Resolve(ctx, cond.Template, ec)
		if err != nil {
			return false, nil, err
		}
		passed := templateTruthy(resolved)
		detail := fmt.Sprintf("template resolved to %q", resolved)
		return passed, &Diagnostic{Kind: cond.Kind, Detail: detail, Passed: passed}, nil

	default:
		return false, nil, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func (e *Evaluator) evaluateQuery(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) (bool, *Diagnostic, error) {
	query, err := e.resolver.Resolve(ctx, cond.Query, ec)
	if err != nil {
		return false, nil, err
	}
	result, err := e.api.ExecuteQuery(ctx, ec.WorkspaceID, query)
	if err != nil {
		return false, nil, fmt.Errorf("condition query failed: %w", err)
	}

	var passed bool
	if cond.ExpectCount != nil {
		passed = result.TotalCount == *cond.ExpectCount
	} else {
		passed = result.TotalCount > 0
	}
	detail := fmt.Sprintf("query returned %d rows", result.TotalCount)
	return passed, &Diagnostic{Kind: cond.Kind, Detail: detail, Passed: passed}, nil
}

func (e *Evaluator) evaluateReference(ctx context.Context, cond *automation.Condition, ec *automation.ExecutionContext) (bool, *Diagnostic, error) {
	item := ec.EffectiveItem()
	if item == nil {
		return false, nil, fmt.Errorf("reference condition has no item in context")
	}

	var refs []onstaq.Reference
	var err error
	if strings.EqualFold(cond.Direction, "inbound") {
		refs, err = e.api.ListBackReferences(ctx, item.ID)
	} else {
		refs, err = e.api.ListReferences(ctx, item.ID)
	}
	if err != nil {
		return false, nil, fmt.Errorf("list references: %w", err)
	}

	count := 0
	for _, ref := range refs {
		if cond.ReferenceKind != "" && !strings.EqualFold(ref.Kind, cond.ReferenceKind) {
			continue
		}
		count++
	}

	wantExists := true
	if cond.Exists != nil {
		wantExists = *cond.Exists
	}
	passed := (count > 0) == wantExists
	detail := fmt.Sprintf("%d matching references", count)
	return passed, &Diagnostic{Kind: cond.Kind, Detail: detail, Passed: passed}, nil
}

// evaluateAttribute applies the attribute operators against the triggered
// item's current and previous values.
func evaluateAttribute(cond *automation.Condition, ec *automation.ExecutionContext) (bool, string) {
	var current any
	if ec.Trigger != nil && ec.Trigger.Item != nil {
		current = ec.Trigger.Item.AttributeValues[cond.Field]
	}
	var previous any
	if ec.Trigger != nil {
		previous = ec.Trigger.PreviousValues[cond.Field]
	}

	detail := fmt.Sprintf("%s %s", cond.Field, cond.Op)
	switch cond.Op {
	case "equals":
		return looseEquals(current, cond.Value), detail
	case "not_equals":
		return !looseEquals(current, cond.Value), detail
	case "contains":
		return strings.Contains(lower(current), lower(cond.Value)), detail
	case "not_contains":
		return !strings.Contains(lower(current), lower(cond.Value)), detail
	case "starts_with":
		return strings.HasPrefix(lower(current), lower(cond.Value)), detail
	case "ends_with":
		return strings.HasSuffix(lower(current), lower(cond.Value)), detail
	case "greater_than":
		return numericCompare(current, cond.Value, func(a, b float64) bool { return a > b }), detail
	case "less_than":
		return numericCompare(current, cond.Value, func(a, b float64) bool { return a < b }), detail
	case "greater_than_or_equal":
		return numericCompare(current, cond.Value, func(a, b float64) bool { return a >= b }), detail
	case "less_than_or_equal":
		return numericCompare(current, cond.Value, func(a, b float64) bool { return a <= b }), detail
	case "in":
		return containedIn(current, cond.Value), detail
	case "not_in":
		return !containedIn(current, cond.Value), detail
	case "is_null":
		return isNullish(current), detail
	case "is_not_null":
		return !isNullish(current), detail
	case "changed_to":
		return looseEquals(current, cond.To) && !looseEquals(previous, cond.To), detail
	case "changed_from":
		return looseEquals(previous, cond.From) && !looseEquals(current, cond.From), detail
	case "matches_regex":
		pattern, err := regexp.Compile(asString(cond.Value))
		if err != nil {
			return false, detail + " (invalid regex)"
		}
		return pattern.MatchString(asString(current)), detail
	default:
		// Unknown operator evaluates false rather than failing the run.
		return false, detail + " (unknown operator)"
	}
}

// looseEquals is the documented loose equality: strict match or
// case-insensitive comparison of the string forms.
func looseEquals(a, b any) bool {
	if a == b {
		return true
	}
	return strings.EqualFold(asString(a), asString(b))
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func lower(v any) string {
	return strings.ToLower(asString(v))
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(asString(a)), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(asString(b)), 64)
	if err != nil {
		return false
	}
	return cmp(left, right)
}

func containedIn(value, list any) bool {
	switch typed := list.(type) {
	case []any:
		for _, entry := range typed {
			if looseEquals(value, entry) {
				return true
			}
		}
	case []string:
		for _, entry := range typed {
			if looseEquals(value, entry) {
				return true
			}
		}
	}
	return false
}

func isNullish(v any) bool {
	return v == nil || v == ""
}

func templateTruthy(s string) bool {
	switch s {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}
