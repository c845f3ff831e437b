package query

import (
	"fmt"
)

// ErrQuerySyntax reports a malformed token stream. Pos is the index of the offending token.
type ErrQuerySyntax struct {
	Pos   int
	Token Token
	Msg   string
}

func (e *ErrQuerySyntax) Error() string {
	if e.Token.Type < 0 {
		return fmt.Sprintf("query syntax error at token %d: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("query syntax error at token %d (%s): %s", e.Pos, e.Token, e.Msg)
}

// Parse builds the query tree of tokens. Precedence from strongest to weakest: grouping, NOT, AND, OR.
// Condition values are validated as part of parsing.
//
//	query   := KEYSPACE or END_OF_INPUT
//	or      := and (OR and)*
//	and     := unary (AND unary)*
//	unary   := NOT unary | primary
//	primary := WHERE | BEGIN or END
func Parse(tokens []Token) (*Query, error) {
	p := &parser{tokens: tokens}
	if p.peek().Type != TokenKeyspace {
		return nil, p.errorf("a query must start with a keyspace")
	}
	if p.peek().Keyspace == "" {
		return nil, p.errorf("empty keyspace")
	}
	keyspace := p.next().Keyspace
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().Type != TokenEndOfInput {
		if p.peek().Type == TokenEnd {
			return nil, p.errorf("End without matching Begin")
		}
		return nil, p.errorf("expected end of input")
	}
	return &Query{Keyspace: keyspace, Root: root}, nil
}

type parser struct {
	tokens []Token
	pos    int
}

// missingEnd stands in for the token past the end of a stream that lacks TokenEndOfInput.
var missingEnd = Token{Type: -1}

func (p *parser) peek() Token {
	if p.pos >= len(p.tokens) {
		return missingEnd
	}
	return p.tokens[p.pos]
}

func (p *parser) next() Token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...interface{}) *ErrQuerySyntax {
	msg := fmt.Sprintf(format, args...)
	if p.pos >= len(p.tokens) {
		msg += ", missing EndOfInput"
	}
	return &ErrQuerySyntax{Pos: p.pos, Token: p.peek(), Msg: msg}
}

func (p *parser) parseOr() (Element, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryElement{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Element, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryElement{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Element, error) {
	if p.peek().Type == TokenNot {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotElement{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Element, error) {
	switch p.peek().Type {
	case TokenWhere:
		t := p.next()
		if err := t.Spec.Validate(); err != nil {
			return nil, err
		}
		return &WhereElement{Spec: t.Spec}, nil
	case TokenBegin:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().Type != TokenEnd {
			return nil, p.errorf("Begin without matching End")
		}
		p.next()
		return inner, nil
	case TokenKeyspace:
		return nil, p.errorf("keyspace given twice")
	}
	return nil, p.errorf("expected a condition, Not or Begin")
}
