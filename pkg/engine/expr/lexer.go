package expr

import (
	"strings"
)

type tokenType int

type token struct {
	typ     tokenType
	literal string
	pos     int
}

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenInt
	tokenFloat
	tokenString
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenLBrace
	tokenRBrace
	tokenComma
	tokenDot
	tokenColon
	tokenWalrus
	tokenAssign
	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenFloorDiv
	tokenPercent
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
)

func (t tokenType) String() string {
	switch t {
	case tokenIllegal:
		return "illegal"
	case tokenEOF:
		return "end of input"
	case tokenIdentifier:
		return "identifier"
	case tokenInt, tokenFloat:
		return "number"
	case tokenString:
		return "string"
	case tokenLParen:
		return "("
	case tokenRParen:
		return ")"
	case tokenLBracket:
		return "["
	case tokenRBracket:
		return "]"
	case tokenLBrace:
		return "{"
	case tokenRBrace:
		return "}"
	case tokenComma:
		return ","
	case tokenDot:
		return "."
	case tokenColon:
		return ":"
	case tokenWalrus:
		return ":="
	case tokenAssign:
		return "="
	case tokenPlus:
		return "+"
	case tokenMinus:
		return "-"
	case tokenStar:
		return "*"
	case tokenSlash:
		return "/"
	case tokenFloorDiv:
		return "//"
	case tokenPercent:
		return "%"
	case tokenEq:
		return "=="
	case tokenNeq:
		return "!="
	case tokenGt:
		return ">"
	case tokenGte:
		return ">="
	case tokenLt:
		return "<"
	case tokenLte:
		return "<="
	default:
		return "unknown"
	}
}

type lexer struct {
	input  string
	length int
	pos    int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, length: len(input)}
}

// tokenize scans the whole input. Illegal characters become tokenIllegal
// entries rather than aborting, so the security scan sees every identifier.
func (l *lexer) tokenize() []token {
	var tokens []token
	for {
		tok := l.nextToken()
		tokens = append(tokens, tok)
		if tok.typ == tokenEOF {
			return tokens
		}
	}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()
	if l.pos >= l.length {
		return token{typ: tokenEOF, pos: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]

	single := func(typ tokenType) token {
		l.pos++
		return token{typ: typ, literal: string(ch), pos: start}
	}
	double := func(typ tokenType) token {
		l.pos += 2
		return token{typ: typ, literal: l.input[start:l.pos], pos: start}
	}

	switch ch {
	case '(':
		return single(tokenLParen)
	case ')':
		return single(tokenRParen)
	case '[':
		return single(tokenLBracket)
	case ']':
		return single(tokenRBracket)
	case '{':
		return single(tokenLBrace)
	case '}':
		return single(tokenRBrace)
	case ',':
		return single(tokenComma)
	case '.':
		if isDigit(l.peek()) {
			return l.scanNumber()
		}
		return single(tokenDot)
	case ':':
		if l.peek() == '=' {
			return double(tokenWalrus)
		}
		return single(tokenColon)
	case '+':
		return single(tokenPlus)
	case '-':
		return single(tokenMinus)
	case '*':
		return single(tokenStar)
	case '/':
		if l.peek() == '/' {
			return double(tokenFloorDiv)
		}
		return single(tokenSlash)
	case '%':
		return single(tokenPercent)
	case '=':
		if l.peek() == '=' {
			return double(tokenEq)
		}
		return single(tokenAssign)
	case '!':
		if l.peek() == '=' {
			return double(tokenNeq)
		}
	case '>':
		if l.peek() == '=' {
			return double(tokenGte)
		}
		return single(tokenGt)
	case '<':
		if l.peek() == '=' {
			return double(tokenLte)
		}
		return single(tokenLt)
	case '\'', '"':
		return l.scanString()
	}

	if isDigit(ch) {
		return l.scanNumber()
	}

	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}

	l.pos++
	return token{typ: tokenIllegal, literal: string(ch), pos: start}
}

func (l *lexer) skipWhitespace() {
	for l.pos < l.length {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= l.length {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) scanNumber() token {
	start := l.pos
	isFloat := false

	for l.pos < l.length && isDigit(l.input[l.pos]) {
		l.pos++
	}
	if l.pos < l.length && l.input[l.pos] == '.' {
		isFloat = true
		l.pos++
		for l.pos < l.length && isDigit(l.input[l.pos]) {
			l.pos++
		}
	}
	if l.pos < l.length && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < l.length && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			l.pos++
		}
		if l.pos < l.length && isDigit(l.input[l.pos]) {
			isFloat = true
			for l.pos < l.length && isDigit(l.input[l.pos]) {
				l.pos++
			}
		} else {
			l.pos = mark
		}
	}

	typ := tokenInt
	if isFloat {
		typ = tokenFloat
	}
	return token{typ: typ, literal: l.input[start:l.pos], pos: start}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < l.length && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	return token{typ: tokenIdentifier, literal: l.input[start:l.pos], pos: start}
}

func (l *lexer) scanString() token {
	start := l.pos
	quote := l.input[l.pos]
	l.pos++
	var builder strings.Builder
	escaped := false

	for l.pos < l.length {
		ch := l.input[l.pos]
		l.pos++
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String(), pos: start}
		}
		builder.WriteByte(ch)
	}

	return token{typ: tokenIllegal, literal: "unterminated string", pos: start}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch)
}
