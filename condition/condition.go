// Package condition evaluates guard and branch expressions against an
// execution's variable bindings. The grammar is deliberately small:
// comparisons, string contains/startswith, and/or with grouping. Evaluation
// is pure; missing variables and type conflicts surface as errors, never as
// a silent false.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

type UnknownVariableError struct {
	Name string
}

func (e UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown variable %q", e.Name)
}

type TypeMismatchError struct {
	Op    string
	Left  any
	Right any
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: %T %s %T", e.Left, e.Op, e.Right)
}

type SyntaxError struct {
	Pos     int
	Message string
}

func (e SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Message)
}

// Expr is a parsed expression ready for evaluation.
type Expr struct {
	root node
	vars []string
}

// Vars lists every variable path the expression references.
func (e *Expr) Vars() []string {
	return e.vars
}

// Eval evaluates the expression against the given bindings.
func (e *Expr) Eval(vars map[string]any) (bool, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, TypeMismatchError{Op: "expression", Left: v, Right: true}
	}
	return b, nil
}

// Parse compiles an expression. The result may be cached and shared; it holds
// no mutable state.
func Parse(input string) (*Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, SyntaxError{Pos: p.peek().pos, Message: fmt.Sprintf("unexpected %q", p.peek().text)}
	}
	e := &Expr{root: root}
	collectVars(root, &e.vars)
	return e, nil
}

// Evaluate parses and evaluates in one call.
func Evaluate(input string, vars map[string]any) (bool, error) {
	e, err := Parse(input)
	if err != nil {
		return false, err
	}
	return e.Eval(vars)
}

type tokenKind int

const (
	// tokEOF is the zero kind so peek past the last token yields it.
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokBool
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, SyntaxError{Pos: i, Message: "unterminated string"}
			}
			toks = append(toks, token{tokString, input[i+1 : j], i})
			i = j + 1
		case strings.ContainsRune("=!<>", rune(c)):
			j := i + 1
			if j < len(input) && input[j] == '=' {
				j++
			}
			op := input[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
				toks = append(toks, token{tokOp, op, i})
			default:
				return nil, SyntaxError{Pos: i, Message: fmt.Sprintf("unknown operator %q", op)}
			}
			i = j
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(input) && isIdentPart(input[j]) {
				j++
			}
			word := input[i:j]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word, i})
			case "or":
				toks = append(toks, token{tokOr, word, i})
			case "true", "false":
				toks = append(toks, token{tokBool, strings.ToLower(word), i})
			case "contains", "startswith":
				toks = append(toks, token{tokOp, strings.ToLower(word), i})
			default:
				toks = append(toks, token{tokIdent, word, i})
			}
			i = j
		default:
			return nil, SyntaxError{Pos: i, Message: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

type node interface {
	eval(vars map[string]any) (any, error)
}

type boolNode struct {
	op          string // "and" | "or"
	left, right node
}

func (n boolNode) eval(vars map[string]any) (any, error) {
	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, TypeMismatchError{Op: n.op, Left: lv, Right: true}
	}
	// No short circuit: evaluation errors on the right side must surface
	// even when the left side already decides the result.
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, TypeMismatchError{Op: n.op, Left: rv, Right: true}
	}
	if n.op == "and" {
		return lb && rb, nil
	}
	return lb || rb, nil
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(vars map[string]any) (any, error) {
	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return compare(n.op, lv, rv)
}

type literalNode struct {
	value any
}

func (n literalNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

type varNode struct {
	path string
}

func (n varNode) eval(vars map[string]any) (any, error) {
	parts := strings.Split(n.path, ".")
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, UnknownVariableError{Name: n.path}
		}
		current, ok = m[part]
		if !ok {
			return nil, UnknownVariableError{Name: n.path}
		}
	}
	return current, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) eof() bool {
	return p.i >= len(p.toks)
}

func (p *parser) peek() token {
	if p.eof() {
		return token{pos: len(p.toks)}
	}
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.peek()
	p.i++
	return t
}

// AND binds tighter than OR; both associate left to right.
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if !p.eof() && p.peek().kind == tokOp {
		op := p.next().text
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, SyntaxError{Pos: p.peek().pos, Message: "expected )"}
		}
		p.next()
		return inner, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, SyntaxError{Pos: t.pos, Message: "bad number"}
		}
		return literalNode{value: f}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokBool:
		return literalNode{value: t.text == "true"}, nil
	case tokIdent:
		return varNode{path: t.text}, nil
	case tokEOF:
		return nil, SyntaxError{Pos: t.pos, Message: "unexpected end of expression"}
	}
	return nil, SyntaxError{Pos: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==", "!=":
		eq, err := equals(left, right)
		if err != nil {
			return nil, err
		}
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	case "<", "<=", ">", ">=":
		lf, lok := toNumber(left)
		rf, rok := toNumber(right)
		if !lok || !rok {
			return nil, TypeMismatchError{Op: op, Left: left, Right: right}
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	case "contains", "startswith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, TypeMismatchError{Op: op, Left: left, Right: right}
		}
		if op == "contains" {
			return strings.Contains(ls, rs), nil
		}
		return strings.HasPrefix(ls, rs), nil
	}
	return nil, SyntaxError{Message: fmt.Sprintf("unknown operator %q", op)}
}

func equals(left, right any) (bool, error) {
	if lf, ok := toNumber(left); ok {
		if rf, ok := toNumber(right); ok {
			return lf == rf, nil
		}
		return false, TypeMismatchError{Op: "==", Left: left, Right: right}
	}
	switch lv := left.(type) {
	case string:
		rv, ok := right.(string)
		if !ok {
			return false, TypeMismatchError{Op: "==", Left: left, Right: right}
		}
		return lv == rv, nil
	case bool:
		rv, ok := right.(bool)
		if !ok {
			return false, TypeMismatchError{Op: "==", Left: left, Right: right}
		}
		return lv == rv, nil
	case nil:
		return right == nil, nil
	}
	return false, TypeMismatchError{Op: "==", Left: left, Right: right}
}

// toNumber accepts the numeric types JSON decoding and invoker outputs
// produce.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func collectVars(n node, out *[]string) {
	switch t := n.(type) {
	case varNode:
		for _, existing := range *out {
			if existing == t.path {
				return
			}
		}
		*out = append(*out, t.path)
	case boolNode:
		collectVars(t.left, out)
		collectVars(t.right, out)
	case cmpNode:
		collectVars(t.left, out)
		collectVars(t.right, out)
	}
}
