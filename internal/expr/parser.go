// Package expr tokenizes, parses and evaluates arithmetic expressions over
// canonical instrument symbols. Grammar:
//
//	expr   := term (('+'|'-') term)*
//	term   := factor (('*'|'/') factor)*
//	factor := SYMBOL | NUMBER | '(' expr ')'
//
// No implicit multiplication and no unary minus on leaves; write 0-X.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/quantlab/internal/domain"
	"github.com/aristath/quantlab/internal/symbols"
)

// Node is an AST node.
type Node interface {
	String() string
}

// Leaf is an instrument symbol.
type Leaf struct {
	Token symbols.Token
}

func (l Leaf) String() string { return l.Token.String() }

// Number is a decimal literal.
type Number struct {
	Value float64
}

func (n Number) String() string {
	return strconv.FormatFloat(n.Value, 'f', -1, 64)
}

// Binary is one of + - * /.
type Binary struct {
	Op    byte
	Left  Node
	Right Node
}

func (b Binary) String() string {
	return fmt.Sprintf("%s%c%s", wrap(b.Left, b.Op, false), b.Op, wrap(b.Right, b.Op, true))
}

// wrap parenthesizes a child when operator precedence requires it.
func wrap(n Node, parentOp byte, rightSide bool) string {
	child, ok := n.(Binary)
	if !ok {
		return n.String()
	}
	if prec(child.Op) < prec(parentOp) {
		return "(" + child.String() + ")"
	}
	// Subtraction and division do not associate on the right.
	if prec(child.Op) == prec(parentOp) && rightSide && (parentOp == '-' || parentOp == '/') {
		return "(" + child.String() + ")"
	}
	return n.String()
}

func prec(op byte) int {
	if op == '*' || op == '/' {
		return 2
	}
	return 1
}

// token kinds produced by the lexer.
type tokKind int

const (
	tokSymbol tokKind = iota
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// lex splits the input. Symbols are NAMESPACE:BODY runs; numbers are decimal
// literals.
func lex(input string) ([]token, error) {
	var out []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			out = append(out, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			out = append(out, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			out = append(out, token{kind: tokRParen, pos: i})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: input[i:j], pos: i})
			i = j
		case isSymbolStart(c):
			j := i
			for j < len(input) && isSymbolChar(input[j]) {
				j++
			}
			out = append(out, token{kind: tokSymbol, text: input[i:j], pos: i})
			i = j
		default:
			return nil, domain.E(domain.KindParseError, "unexpected character %q at position %d", string(c), i)
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(input)})
	return out, nil
}

func isSymbolStart(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func isSymbolChar(c byte) bool {
	return isSymbolStart(c) || c >= '0' && c <= '9' || c == ':' || c == '.' || c == '@'
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses an expression into its AST.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, domain.E(domain.KindParseError, "empty expression")
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, domain.E(domain.KindParseError, "unexpected input at position %d", p.peek().pos)
	}
	return node, nil
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) expr() (Node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text[0]
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) term() (Node, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text[0]
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) factor() (Node, error) {
	switch t := p.peek(); t.kind {
	case tokNumber:
		p.next()
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, domain.E(domain.KindParseError, "bad number %q at position %d", t.text, t.pos)
		}
		return Number{Value: v}, nil
	case tokSymbol:
		p.next()
		tok, err := symbols.ParseToken(t.text)
		if err != nil {
			return nil, err
		}
		return Leaf{Token: tok}, nil
	case tokLParen:
		p.next()
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, domain.E(domain.KindParseError, "missing ')' at position %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokOp:
		return nil, domain.E(domain.KindParseError,
			"unexpected operator %q at position %d (unary minus on symbols is not supported; write 0-X)", t.text, t.pos)
	default:
		return nil, domain.E(domain.KindParseError, "unexpected end of expression")
	}
}

// Leaves returns the distinct symbol tokens of the AST in first-appearance
// order.
func Leaves(n Node) []symbols.Token {
	var out []symbols.Token
	seen := map[string]bool{}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Leaf:
			key := v.Token.String()
			if !seen[key] {
				seen[key] = true
				out = append(out, v.Token)
			}
		case Binary:
			walk(v.Left)
			walk(v.Right)
		}
	}
	walk(n)
	return out
}
