package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate evaluates a restricted boolean expression against the given
// variables. The grammar covers field access, comparisons, boolean logic,
// and basic arithmetic, never arbitrary code execution, so expressions
// from untrusted graph definitions stay safe to evaluate.
//
// Supported operators: ==, !=, >, <, >=, <=, &&, ||, !, +, -, *, /
// Supported literals: numbers, quoted strings, true, false
// Supports dot-notation field access: result.score looks up
// vars["result"].(map[string]any)["score"]
func Evaluate(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, nil
	}

	p := &parser{tokens: tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return ToBool(val), nil
}

// --- Token types ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello"
	tkIdent                   // variable name or true/false
	tkOp                      // ==, !=, >, <, >=, <=, &&, ||, !, +, -, *, /
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
}

// --- Tokenizer ---

func tokenize(expression string) ([]token, error) {
	var tokens []token
	i := 0
	runes := []rune(expression)

	for i < len(runes) {
		ch := runes[i]

		// Skip whitespace
		if unicode.IsSpace(ch) {
			i++
			continue
		}

		// Parentheses
		if ch == '(' {
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		}

		// String literal
		if ch == '"' {
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
			continue
		}

		// Two-character operators
		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		// Number (including negative: only if preceded by an operator or start)
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && isNumberStart(tokens)) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
			continue
		}

		// Single-character operators
		switch ch {
		case '>', '<', '!', '+', '-', '*', '/':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		// Identifier (variable name, true, false)
		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident})
			i = n
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	i := start + 1 // skip opening quote
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// isNumberStart returns true if a '-' should be treated as a negative number
// prefix rather than a subtraction operator. This is the case at the start of
// the expression or after an operator or opening parenthesis.
func isNumberStart(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// --- Recursive descent parser ---
//
// Precedence, loosest to tightest:
//   ||  &&  comparison  + -  * /  unary

type parser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) peekOp(values ...string) (string, bool) {
	t := p.peek()
	if t == nil || t.kind != tkOp {
		return "", false
	}
	for _, v := range values {
		if t.value == v {
			return v, true
		}
	}
	return "", false
}

// parseOr handles: expr || expr
func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			break
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = ToBool(left) || ToBool(right)
	}
	return left, nil
}

// parseAnd handles: expr && expr
func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			break
		}
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = ToBool(left) && ToBool(right)
	}
	return left, nil
}

// parseComparison handles: expr (==|!=|>|<|>=|<=) expr
func (p *parser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<="); ok {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return Compare(left, op, right), nil
	}
	return left, nil
}

// parseAdditive handles: expr (+|-) expr
func (p *parser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			break
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left, err = evalArithmetic(left, op, right)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

// parseMultiplicative handles: expr (*|/) expr
func (p *parser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*", "/")
		if !ok {
			break
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = evalArithmetic(left, op, right)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

// parseUnary handles: !expr, primary
func (p *parser) parseUnary() (any, error) {
	if _, ok := p.peekOp("!"); ok {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !ToBool(val), nil
	}
	return p.parsePrimary()
}

// parsePrimary handles: literals, identifiers, parenthesized expressions
func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)

	case tkString:
		p.advance()
		return t.value, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		default:
			return Lookup(t.value, p.vars), nil
		}

	case tkLParen:
		p.advance()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return val, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

func evalArithmetic(left any, op string, right any) (any, error) {
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic %q requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}
