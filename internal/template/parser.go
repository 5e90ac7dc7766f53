package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expression AST.

type node interface{}

type literalNode struct{ value any }

// rootNode references a context root (trigger, item, env, variables, action, ...).
type rootNode struct{ name string }

// propertyNode is `.name`: property access, falling back to a zero-arg
// function call.
type propertyNode struct {
	target node
	name   string
}

// callNode is `name(args...)` (target nil) or `expr.name(args...)`.
type callNode struct {
	target node
	name   string
	args   []node
}

// indexNode is `expr[index]`.
type indexNode struct {
	target node
	index  node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type pipeNode struct {
	left  node
	right node
}

type negateNode struct{ operand node }

// Tokenizer.

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenString
	tokenNumber
	tokenIdent
	tokenDot
	tokenComma
	tokenPipe
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenOperator // == != <= >= < > + - * /
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '"' || ch == '\'':
			text, next, err := scanString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: text, pos: i})
			i = next
		case unicode.IsDigit(ch):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				// A dot followed by a letter is property access, not a decimal point.
				if runes[i] == '.' && i+1 < len(runes) && !unicode.IsDigit(runes[i+1]) {
					break
				}
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[start:i]), pos: start})
		case unicode.IsLetter(ch) || ch == '_' || ch == '@':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '@') {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[start:i]), pos: start})
		case ch == '.':
			tokens = append(tokens, token{kind: tokenDot, text: ".", pos: i})
			i++
		case ch == ',':
			tokens = append(tokens, token{kind: tokenComma, text: ",", pos: i})
			i++
		case ch == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++
		case ch == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++
		case ch == '[':
			tokens = append(tokens, token{kind: tokenLBracket, text: "[", pos: i})
			i++
		case ch == ']':
			tokens = append(tokens, token{kind: tokenRBracket, text: "]", pos: i})
			i++
		case ch == '|':
			tokens = append(tokens, token{kind: tokenPipe, text: "|", pos: i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{kind: tokenOperator, text: string(runes[i : i+2]), pos: i})
				i += 2
			} else if ch == '<' || ch == '>' {
				tokens = append(tokens, token{kind: tokenOperator, text: string(ch), pos: i})
				i++
			} else {
				return nil, fmt.Errorf("unexpected character %q at %d", string(ch), i)
			}
		case ch == '+' || ch == '-' || ch == '*' || ch == '/':
			tokens = append(tokens, token{kind: tokenOperator, text: string(ch), pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", string(ch), i)
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(runes)})
	return tokens, nil
}

func scanString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var builder strings.Builder
	i := start + 1
	for i < len(runes) {
		ch := runes[i]
		if ch == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			switch next {
			case 'n':
				builder.WriteRune('\n')
			case 't':
				builder.WriteRune('\t')
			case 'r':
				builder.WriteRune('\r')
			default:
				builder.WriteRune(next)
			}
			i += 2
			continue
		}
		if ch == quote {
			return builder.String(), i + 1, nil
		}
		builder.WriteRune(ch)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at %d", start)
}

// Parser. Precedence, low to high: pipe < comparison < additive (which also
// covers * and /).

type parser struct {
	tokens []token
	pos    int
}

func parseExpression(input string) (node, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.current().kind != tokenEOF {
		return nil, fmt.Errorf("unexpected token %q at %d", p.current().text, p.current().pos)
	}
	return expr, nil
}

func (p *parser) current() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.current()
	if tok.kind != kind {
		return token{}, fmt.Errorf("expected %s at %d, got %q", what, tok.pos, tok.text)
	}
	return p.advance(), nil
}

func (p *parser) parsePipe() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.current().kind == tokenPipe {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &pipeNode{left: left, right: right}
	}
	return left, nil
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.current().kind == tokenOperator && comparisonOps[p.current().text] {
		op := p.advance().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

var additiveOps = map[string]bool{"+": true, "-": true, "*": true, "/": true}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current().kind == tokenOperator && additiveOps[p.current().text] {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.current().kind == tokenOperator && p.current().text == "-" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*literalNode); ok {
			if number, isNumber := lit.value.(float64); isNumber {
				return &literalNode{value: -number}, nil
			}
		}
		return &negateNode{operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current().kind {
		case tokenDot:
			p.advance()
			name, err := p.expect(tokenIdent, "identifier after '.'")
			if err != nil {
				return nil, err
			}
			if p.current().kind == tokenLParen {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				expr = &callNode{target: expr, name: name.text, args: args}
			} else {
				expr = &propertyNode{target: expr, name: name.text}
			}
		case tokenLBracket:
			p.advance()
			index, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenRBracket, "']'"); err != nil {
				return nil, err
			}
			expr = &indexNode{target: expr, index: index}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.current()
	switch tok.kind {
	case tokenString:
		p.advance()
		return &literalNode{value: tok.text}, nil
	case tokenNumber:
		p.advance()
		number, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", tok.text, tok.pos)
		}
		return &literalNode{value: number}, nil
	case tokenIdent:
		p.advance()
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		if p.current().kind == tokenLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &callNode{name: tok.text, args: args}, nil
		}
		return &rootNode{name: tok.text}, nil
	case tokenLParen:
		p.advance()
		expr, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
	}
}

// parseArgs consumes a parenthesized, comma-separated argument list.
func (p *parser) parseArgs() ([]node, error) {
	if _, err := p.expect(tokenLParen, "'('"); err != nil {
		return nil, err
	}
	var args []node
	if p.current().kind == tokenRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.current().kind == tokenComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(tokenRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}
