package template

import (
	"context"
	"fmt"
	"time"

	"staqflow/internal/onstaq"
)

// funcContext carries what expression evaluation needs beyond the value
// itself: the run's workspace and the upstream API for oql/lookup forms.
type funcContext struct {
	ctx         context.Context
	workspaceID string
	api         onstaq.API
}

type evaluator struct {
	env  map[string]any
	fctx *funcContext
}

func (e *evaluator) eval(n node) (any, error) {
	switch typed := n.(type) {
	case *literalNode:
		return typed.value, nil

	case *rootNode:
		value, ok := e.env[typed.name]
		if !ok {
			return nil, fmt.Errorf("unknown context root %q", typed.name)
		}
		return value, nil

	case *propertyNode:
		target, err := e.eval(typed.target)
		if err != nil {
			return nil, err
		}
		// Property access wins; a registered zero-arg function is the fallback
		// (so "status".length works while item.name stays a field read).
		if m, ok := target.(map[string]any); ok {
			if typed.name == "attributes" {
				if sub, exists := m["attributeValues"]; exists {
					return sub, nil
				}
			}
			if value, exists := m[typed.name]; exists {
				return value, nil
			}
		}
		if def, ok := registry[typed.name]; ok && def.minArgs == 0 {
			return def.execute(target, nil, e.fctx)
		}
		if _, ok := target.(map[string]any); ok {
			return nil, nil
		}
		if target == nil {
			return nil, nil
		}
		return navigate(target, typed.name), nil

	case *callNode:
		if typed.target == nil {
			return e.evalTopLevelCall(typed)
		}
		target, err := e.eval(typed.target)
		if err != nil {
			return nil, err
		}
		return e.applyFunction(typed.name, target, typed.args)

	case *indexNode:
		target, err := e.eval(typed.target)
		if err != nil {
			return nil, err
		}
		index, err := e.eval(typed.index)
		if err != nil {
			return nil, err
		}
		return indexValue(target, index), nil

	case *binaryNode:
		return e.evalBinary(typed)

	case *pipeNode:
		left, err := e.eval(typed.left)
		if err != nil {
			return nil, err
		}
		if result, isStage, err := e.applyPipeStage(left, typed.right); isStage {
			return result, err
		}
		if isEmptyValue(left) {
			return e.eval(typed.right)
		}
		return left, nil

	case *negateNode:
		operand, err := e.eval(typed.operand)
		if err != nil {
			return nil, err
		}
		number, ok := toNumber(operand)
		if !ok {
			return nil, fmt.Errorf("cannot negate non-numeric value %q", stringify(operand))
		}
		return -number, nil

	default:
		return nil, fmt.Errorf("unknown expression node %T", n)
	}
}

func (e *evaluator) evalTopLevelCall(call *callNode) (any, error) {
	switch call.name {
	case "now":
		if len(call.args) != 0 {
			return nil, fmt.Errorf("now() takes no arguments")
		}
		return time.Now().UTC(), nil

	case "lookup":
		if len(call.args) != 1 {
			return nil, fmt.Errorf("lookup(key) takes exactly one argument")
		}
		keyValue, err := e.eval(call.args[0])
		if err != nil {
			return nil, err
		}
		if e.fctx == nil || e.fctx.api == nil {
			return nil, fmt.Errorf("lookup is not available in this context")
		}
		item, err := e.fctx.api.FindItemByKey(e.fctx.ctx, e.fctx.workspaceID, stringify(keyValue))
		if err != nil {
			return nil, fmt.Errorf("lookup(%s): %w", stringify(keyValue), err)
		}
		return toValue(item), nil

	default:
		return nil, fmt.Errorf("unknown function %q", call.name)
	}
}

// applyPipeStage treats a registered function on the right-hand side of a
// pipe as a stage applied to the left value, so
// `{{tags | join(", ") | toUpperCase}}` reads as a pipeline. Any other
// right-hand side keeps the pipe's null-coalescing meaning.
func (e *evaluator) applyPipeStage(left any, right node) (any, bool, error) {
	switch typed := right.(type) {
	case *callNode:
		if typed.target == nil {
			if _, ok := registry[typed.name]; ok {
				result, err := e.applyFunction(typed.name, left, typed.args)
				return result, true, err
			}
		}
	case *rootNode:
		if def, ok := registry[typed.name]; ok && def.minArgs == 0 {
			result, err := def.execute(left, nil, e.fctx)
			if err != nil {
				return nil, true, fmt.Errorf("%s: %w", typed.name, err)
			}
			return result, true, nil
		}
	}
	return nil, false, nil
}

func (e *evaluator) applyFunction(name string, value any, argNodes []node) (any, error) {
	def, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if len(argNodes) < def.minArgs || (def.maxArgs >= 0 && len(argNodes) > def.maxArgs) {
		return nil, fmt.Errorf("%s expects %s, got %d", name, argCountLabel(def), len(argNodes))
	}
	args := make([]any, len(argNodes))
	for i, argNode := range argNodes {
		arg, err := e.eval(argNode)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}
	result, err := def.execute(value, args, e.fctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

func argCountLabel(def *funcDef) string {
	if def.minArgs == def.maxArgs {
		return fmt.Sprintf("%d args", def.minArgs)
	}
	if def.maxArgs < 0 {
		return fmt.Sprintf("at least %d args", def.minArgs)
	}
	return fmt.Sprintf("%d-%d args", def.minArgs, def.maxArgs)
}

func (e *evaluator) evalBinary(bin *binaryNode) (any, error) {
	left, err := e.eval(bin.left)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(bin.right)
	if err != nil {
		return nil, err
	}

	switch bin.op {
	case "==":
		return looseEquals(left, right), nil
	case "!=":
		return !looseEquals(left, right), nil
	case "<":
		return compareValues(left, right) < 0, nil
	case ">":
		return compareValues(left, right) > 0, nil
	case "<=":
		return compareValues(left, right) <= 0, nil
	case ">=":
		return compareValues(left, right) >= 0, nil
	case "+":
		// String concatenation when either operand is a string.
		if _, isString := left.(string); isString {
			return stringify(left) + stringify(right), nil
		}
		if _, isString := right.(string); isString {
			return stringify(left) + stringify(right), nil
		}
		return e.arith(left, right, bin.op)
	case "-", "*", "/":
		return e.arith(left, right, bin.op)
	default:
		return nil, fmt.Errorf("unknown operator %q", bin.op)
	}
}

func (e *evaluator) arith(left, right any, op string) (any, error) {
	a, okA := toNumber(left)
	b, okB := toNumber(right)
	if !okA || !okB {
		return nil, fmt.Errorf("operator %q requires numeric operands", op)
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return a / b, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func indexValue(target, index any) any {
	switch typed := target.(type) {
	case []any:
		if number, ok := toNumber(index); ok {
			i := int(number)
			if i >= 0 && i < len(typed) {
				return typed[i]
			}
		}
		return nil
	case map[string]any:
		return navigate(typed, stringify(index))
	default:
		return nil
	}
}
