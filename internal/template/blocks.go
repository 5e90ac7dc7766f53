package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Block helpers: {{#each coll}}...{{/each}} and {{#if cond}}...{{else}}...{{/if}}.
// Blocks are processed innermost-first; processing halts after 100 expansions
// as a loop-limit safeguard, leaving remaining blocks unexpanded.

const maxBlockExpansions = 100

var (
	blockOpenPattern  = regexp.MustCompile(`\{\{#(each|if)\s+([^}]*)\}\}`)
	blockClosePattern = regexp.MustCompile(`\{\{/(each|if)\}\}`)
	elsePattern       = regexp.MustCompile(`\{\{else\}\}`)
	atVarPattern      = regexp.MustCompile(`\{\{@(index|first|last)\}\}`)
)

func (r *Resolver) processBlocks(input string, env map[string]any, fctx *funcContext) (string, error) {
	text := input
	for expansions := 0; ; expansions++ {
		if expansions >= maxBlockExpansions {
			r.logger.Warn("Block expansion limit (%d) reached, leaving remaining blocks unexpanded", maxBlockExpansions)
			return text, nil
		}

		block, found := findInnermostBlock(text)
		if !found {
			return text, nil
		}

		var expanded string
		var err error
		switch block.kind {
		case "each":
			expanded, err = r.expandEach(block.arg, block.body, env, fctx)
		case "if":
			expanded, err = r.expandIf(block.arg, block.body, env, fctx)
		}
		if err != nil {
			return "", err
		}
		text = text[:block.start] + expanded + text[block.end:]
	}
}

type blockMatch struct {
	kind  string
	arg   string
	body  string
	start int // offset of the open tag
	end   int // offset just past the close tag
}

// findInnermostBlock locates the first close tag and pairs it with the
// nearest preceding open tag of the same kind.
func findInnermostBlock(text string) (blockMatch, bool) {
	closeLoc := blockClosePattern.FindStringSubmatchIndex(text)
	if closeLoc == nil {
		return blockMatch{}, false
	}
	closeKind := text[closeLoc[2]:closeLoc[3]]

	opens := blockOpenPattern.FindAllStringSubmatchIndex(text[:closeLoc[0]], -1)
	for i := len(opens) - 1; i >= 0; i-- {
		open := opens[i]
		if text[open[2]:open[3]] != closeKind {
			continue
		}
		return blockMatch{
			kind:  closeKind,
			arg:   strings.TrimSpace(text[open[4]:open[5]]),
			body:  text[open[1]:closeLoc[0]],
			start: open[0],
			end:   closeLoc[1],
		}, true
	}
	return blockMatch{}, false
}

// expandEach resolves the collection expression, wraps scalars as one-element
// lists, and expands the body once per element with currentItem rebound.
func (r *Resolver) expandEach(collectionExpr, body string, env map[string]any, fctx *funcContext) (string, error) {
	collection, err := r.evalExpression(collectionExpr, env, fctx)
	if err != nil {
		return "", err
	}

	var elements []any
	switch typed := collection.(type) {
	case nil:
		elements = nil
	case []any:
		elements = typed
	default:
		elements = []any{typed}
	}

	var builder strings.Builder
	for index, element := range elements {
		scoped := make(map[string]any, len(env))
		for key, value := range env {
			scoped[key] = value
		}
		scoped["currentItem"] = element
		scoped["item"] = element

		iteration := atVarPattern.ReplaceAllStringFunc(body, func(match string) string {
			switch match {
			case "{{@index}}":
				return strconv.Itoa(index)
			case "{{@first}}":
				return strconv.FormatBool(index == 0)
			case "{{@last}}":
				return strconv.FormatBool(index == len(elements)-1)
			}
			return match
		})

		resolved, err := r.substituteExpressions(iteration, scoped, fctx)
		if err != nil {
			return "", err
		}
		builder.WriteString(resolved)
	}
	return builder.String(), nil
}

// expandIf evaluates the condition and keeps the then or else side of the
// body. A missing else side means the block collapses to nothing.
func (r *Resolver) expandIf(conditionExpr, body string, env map[string]any, fctx *funcContext) (string, error) {
	passed, err := r.evalBlockCondition(conditionExpr, env, fctx)
	if err != nil {
		return "", err
	}

	thenBody := body
	elseBody := ""
	if loc := elsePattern.FindStringIndex(body); loc != nil {
		thenBody = body[:loc[0]]
		elseBody = body[loc[1]:]
	}
	if passed {
		return thenBody, nil
	}
	return elseBody, nil
}

// evalBlockCondition handles both condition forms: "X op Y" comparisons and
// bare truthiness tests. The expression engine covers both; parse failures
// fall back to legacy truthiness.
func (r *Resolver) evalBlockCondition(conditionExpr string, env map[string]any, fctx *funcContext) (bool, error) {
	parsed, err := parseExpression(conditionExpr)
	if err != nil {
		value := legacyResolve(conditionExpr, env)
		return stringTruthy(stringify(value)), nil
	}
	eval := &evaluator{env: env, fctx: fctx}
	value, err := eval.eval(parsed)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", conditionExpr, err)
	}
	return isTruthy(value), nil
}

// stringTruthy applies the resolved-string falsiness rules shared with the
// template condition leaf.
func stringTruthy(s string) bool {
	switch s {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}
