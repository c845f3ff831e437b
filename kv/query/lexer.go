package query

import (
	"strconv"
	"strings"

	"github.com/chronodb/chronodb/kv/index"
)

var textConditions = map[string]index.Condition{
	"==":          index.Equals,
	"!=":          index.NotEquals,
	">":           index.GreaterThan,
	">=":          index.GreaterThanOrEqual,
	"<":           index.LessThan,
	"<=":          index.LessThanOrEqual,
	"contains":    index.Contains,
	"!contains":   index.NotContains,
	"startswith":  index.StartsWith,
	"!startswith": index.NotStartsWith,
	"endswith":    index.EndsWith,
	"!endswith":   index.NotEndsWith,
	"matches":     index.MatchesRegex,
	"!matches":    index.NotMatchesRegex,
}

// ParseText parses the textual form of a query over keyspace, e.g.
//
//	name contains "Foo" and not (name contains "bar" ignoreCase or age >= 30)
//
// String values are quoted, integers compare against long indexes and decimals against double indexes.
func ParseText(keyspace, text string) (*Query, error) {
	tokens, err := Lex(text)
	if err != nil {
		return nil, err
	}
	return Parse(append([]Token{{Type: TokenKeyspace, Keyspace: keyspace}}, tokens...))
}

// Lex turns the textual form of a query condition into tokens, terminated by TokenEndOfInput.
func Lex(text string) ([]Token, error) {
	l := &lexer{text: text}
	for {
		l.skipWhitespace()
		if l.eof() {
			return append(l.tokens, Token{Type: TokenEndOfInput}), nil
		}
		switch ch := l.text[l.pos]; {
		case ch == '(':
			l.pos++
			l.emit(Token{Type: TokenBegin})
		case ch == ')':
			l.pos++
			l.emit(Token{Type: TokenEnd})
		default:
			word := l.readWord()
			switch strings.ToLower(word) {
			case "and":
				l.emit(Token{Type: TokenAnd})
			case "or":
				l.emit(Token{Type: TokenOr})
			case "not":
				l.emit(Token{Type: TokenNot})
			default:
				spec, err := l.readClause(word)
				if err != nil {
					return nil, err
				}
				l.emit(Token{Type: TokenWhere, Spec: spec})
			}
		}
	}
}

type lexer struct {
	text   string
	pos    int
	tokens []Token
}

func (l *lexer) eof() bool {
	return l.pos >= len(l.text)
}

func (l *lexer) emit(t Token) {
	l.tokens = append(l.tokens, t)
}

func (l *lexer) errorf(msg string) error {
	return &ErrQuerySyntax{Pos: len(l.tokens), Token: missingEnd, Msg: msg + " at offset " + strconv.Itoa(l.pos)}
}

func (l *lexer) skipWhitespace() {
	for !l.eof() && strings.IndexByte(" \t\r\n", l.text[l.pos]) >= 0 {
		l.pos++
	}
}

func (l *lexer) readWord() string {
	start := l.pos
	for !l.eof() && strings.IndexByte(" \t\r\n()\"", l.text[l.pos]) < 0 {
		l.pos++
	}
	return l.text[start:l.pos]
}

func (l *lexer) readClause(property string) (index.SearchSpecification, error) {
	l.skipWhitespace()
	op := l.readWord()
	condition, ok := textConditions[strings.ToLower(op)]
	if !ok {
		return index.SearchSpecification{}, l.errorf("unknown operator " + strconv.Quote(op))
	}
	l.skipWhitespace()
	if l.eof() {
		return index.SearchSpecification{}, l.errorf("missing value")
	}
	if l.text[l.pos] == '"' {
		value, err := l.readString()
		if err != nil {
			return index.SearchSpecification{}, err
		}
		mode := index.Strict
		save := l.pos
		l.skipWhitespace()
		if strings.EqualFold(l.peekWord(), "ignoreCase") {
			l.readWord()
			mode = index.CaseInsensitive
		} else {
			l.pos = save
		}
		return index.StringSpec(property, condition, value, mode), nil
	}
	literal := l.readWord()
	if n, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return index.LongSpec(property, condition, n), nil
	}
	if f, err := strconv.ParseFloat(literal, 64); err == nil {
		return index.DoubleSpec(property, condition, f, 0), nil
	}
	return index.SearchSpecification{}, l.errorf("expected a quoted string or a number, got " + strconv.Quote(literal))
}

func (l *lexer) peekWord() string {
	save := l.pos
	word := l.readWord()
	l.pos = save
	return word
}

func (l *lexer) readString() (string, error) {
	start := l.pos
	l.pos++
	for !l.eof() {
		switch l.text[l.pos] {
		case '\\':
			l.pos += 2
			continue
		case '"':
			l.pos++
			value, err := strconv.Unquote(l.text[start:l.pos])
			if err != nil {
				return "", l.errorf("malformed string")
			}
			return value, nil
		}
		l.pos++
	}
	return "", l.errorf("unterminated string")
}
