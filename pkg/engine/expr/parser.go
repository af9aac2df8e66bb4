package expr

import (
	"strconv"
)

// maxDepth bounds recursion so hostile nesting fails as a syntax error
// instead of exhausting the stack.
const maxDepth = 64

type parser struct {
	tokens []token
	idx    int
	depth  int
}

func newParser(tokens []token) *parser {
	return &parser{tokens: tokens}
}

func (p *parser) cur() token {
	if p.idx >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.idx]
}

func (p *parser) peekAt(offset int) token {
	i := p.idx + offset
	if i >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[i]
}

func (p *parser) advance() {
	if p.idx < len(p.tokens)-1 {
		p.idx++
	}
}

func (p *parser) isKeyword(word string) bool {
	tok := p.cur()
	return tok.typ == tokenIdentifier && tok.literal == word
}

func (p *parser) expect(expected tokenType) error {
	tok := p.cur()
	if tok.typ != expected {
		return syntaxErrorf(tok.pos, "expected %s, got %s", expected, describe(tok))
	}
	p.advance()
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return syntaxErrorf(p.cur().pos, "expression nested too deeply")
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) parseExpression() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseTernary()
}

func (p *parser) parseTernary() (node, error) {
	body, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword("if") {
		return body, nil
	}
	p.advance()
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword("else") {
		return nil, syntaxErrorf(p.cur().pos, "conditional expression missing else")
	}
	p.advance()
	orElse, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	return &ternaryExpr{cond: cond, then: body, orElse: orElse}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.advance()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	first, err := p.parseArith()
	if err != nil {
		return nil, err
	}

	cmp := &compareExpr{first: first}
	for {
		op, ok := p.comparisonOperator()
		if !ok {
			break
		}
		right, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.rest = append(cmp.rest, right)
	}

	if len(cmp.ops) == 0 {
		return first, nil
	}
	return cmp, nil
}

// comparisonOperator consumes a comparison operator if one is next.
func (p *parser) comparisonOperator() (compareOp, bool) {
	tok := p.cur()
	switch tok.typ {
	case tokenEq:
		p.advance()
		return opEq, true
	case tokenNeq:
		p.advance()
		return opNeq, true
	case tokenLt:
		p.advance()
		return opLt, true
	case tokenLte:
		p.advance()
		return opLte, true
	case tokenGt:
		p.advance()
		return opGt, true
	case tokenGte:
		p.advance()
		return opGte, true
	case tokenIdentifier:
		switch tok.literal {
		case "in":
			p.advance()
			return opIn, true
		case "not":
			next := p.peekAt(1)
			if next.typ == tokenIdentifier && next.literal == "in" {
				p.advance()
				p.advance()
				return opNotIn, true
			}
		case "is":
			p.advance()
			if p.isKeyword("not") {
				p.advance()
				return opIsNot, true
			}
			return opIs, true
		}
	}
	return 0, false
}

func (p *parser) parseArith() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		var op arithOp
		switch p.cur().typ {
		case tokenPlus:
			op = opAdd
		case tokenMinus:
			op = opSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op arithOp
		switch p.cur().typ {
		case tokenStar:
			op = opMul
		case tokenSlash:
			op = opDiv
		case tokenFloorDiv:
			op = opFloorDiv
		case tokenPercent:
			op = opMod
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur().typ {
	case tokenMinus, tokenPlus:
		negate := p.cur().typ == tokenMinus
		p.advance()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{negate: negate, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.cur()
		switch tok.typ {
		case tokenLBracket:
			p.advance()
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			n = &subscriptExpr{target: n, index: index}
		case tokenDot:
			p.advance()
			name := p.cur()
			if name.typ != tokenIdentifier {
				return nil, syntaxErrorf(name.pos, "expected attribute name after '.', got %s", describe(name))
			}
			if _, isRow := n.(*rowExpr); !isRow || name.literal != getAccessor {
				return nil, securityErrorf(name.pos, "attribute access %q is not permitted; only row.get(field, default) is allowed", name.literal)
			}
			p.advance()
			if p.cur().typ != tokenLParen {
				return nil, securityErrorf(name.pos, "row.get may only be called directly")
			}
			n, err = p.parseGetCall()
			if err != nil {
				return nil, err
			}
		case tokenLParen:
			return nil, securityErrorf(tok.pos, "function calls are not permitted; only row.get(field, default) is allowed")
		default:
			return n, nil
		}
	}
}

// parseGetCall parses the argument list of row.get. The current token is '('.
func (p *parser) parseGetCall() (node, error) {
	open := p.cur()
	p.advance()

	args, err := p.parseSequence(tokenRParen)
	if err != nil {
		return nil, err
	}
	switch len(args) {
	case 1:
		return &getExpr{field: args[0]}, nil
	case 2:
		return &getExpr{field: args[0], fallback: args[1], hasFallback: true}, nil
	default:
		return nil, syntaxErrorf(open.pos, "row.get takes 1 or 2 arguments, got %d", len(args))
	}
}

// parseSequence parses comma separated expressions up to and including the
// closing token. A trailing comma is accepted.
func (p *parser) parseSequence(closing tokenType) ([]node, error) {
	var items []node
	for p.cur().typ != closing {
		item, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.cur().typ == tokenComma {
			p.advance()
			continue
		}
		if p.cur().typ != closing {
			return nil, syntaxErrorf(p.cur().pos, "expected , or %s, got %s", closing, describe(p.cur()))
		}
	}
	p.advance()
	return items, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur()
	switch tok.typ {
	case tokenIdentifier:
		if operatorKeywords[tok.literal] {
			return nil, syntaxErrorf(tok.pos, "unexpected keyword %q", tok.literal)
		}
		p.advance()
		if tok.literal == rowIdentifier {
			return &rowExpr{}, nil
		}
		if value, ok := literalNames[tok.literal]; ok {
			return &literalExpr{value: value}, nil
		}
		return nil, securityErrorf(tok.pos, "name %q is not permitted; only row, true, false and null may be referenced", tok.literal)
	case tokenInt:
		p.advance()
		value, err := strconv.ParseInt(tok.literal, 10, 64)
		if err != nil {
			return nil, syntaxErrorf(tok.pos, "invalid integer %q", tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenFloat:
		p.advance()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, syntaxErrorf(tok.pos, "invalid number %q", tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.advance()
		return &literalExpr{value: tok.literal}, nil
	case tokenLParen:
		p.advance()
		if p.cur().typ == tokenRParen {
			p.advance()
			return &listExpr{}, nil
		}
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if p.cur().typ == tokenComma {
			p.advance()
			rest, err := p.parseSequence(tokenRParen)
			if err != nil {
				return nil, err
			}
			return &listExpr{items: append([]node{inner}, rest...)}, nil
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenLBracket:
		p.advance()
		items, err := p.parseSequence(tokenRBracket)
		if err != nil {
			return nil, err
		}
		return &listExpr{items: items}, nil
	case tokenLBrace:
		return nil, syntaxErrorf(tok.pos, "dict and set literals are not supported")
	case tokenEOF:
		return nil, syntaxErrorf(tok.pos, "unexpected end of expression")
	default:
		return nil, syntaxErrorf(tok.pos, "unexpected %s", describe(tok))
	}
}

func describe(tok token) string {
	switch tok.typ {
	case tokenEOF:
		return "end of input"
	case tokenIllegal:
		return "illegal character " + strconv.Quote(tok.literal)
	case tokenIdentifier, tokenInt, tokenFloat:
		return strconv.Quote(tok.literal)
	case tokenString:
		return "string " + strconv.Quote(tok.literal)
	default:
		return strconv.Quote(tok.typ.String())
	}
}
