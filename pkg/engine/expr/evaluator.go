// Package expr implements the restricted condition language used by gates.
//
// Conditions are Python-flavoured expressions over a single name, row:
//
//	row['score'] >= 0.85 and row.get('verified', False)
//
// Parsing enforces an allow-list. Anything outside it (imports, calls other
// than row.get, attribute access, comprehensions, assignment, foreign names)
// fails with ErrSecurity before a syntax tree is built.
package expr

import (
	"context"
	"strings"
	"time"
)

// Expression is a validated, immutable condition. It is safe for
// concurrent use.
type Expression struct {
	source string
	root   node
}

// Parse validates source and builds its syntax tree.
func Parse(source string) (*Expression, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, syntaxErrorf(0, "empty expression")
	}

	tokens := newLexer(trimmed).tokenize()
	if err := scanForbidden(tokens); err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if tok.typ == tokenIllegal {
			return nil, syntaxErrorf(tok.pos, "%s", describe(tok))
		}
	}

	p := newParser(tokens)
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}

	return &Expression{source: trimmed, root: root}, nil
}

// MustParse is Parse for conditions known at compile time. It panics on error.
func MustParse(source string) *Expression {
	e, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return e
}

// Source returns the condition text as written.
func (e *Expression) Source() string {
	return e.source
}

// String renders the fully parenthesised tree.
func (e *Expression) String() string {
	return e.root.String()
}

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
}

// Evaluator evaluates parsed expressions against rows under a time budget.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate runs expression against row. Failures wrap ErrEvaluation.
func (e *Evaluator) Evaluate(ctx context.Context, expression *Expression, row map[string]any) (any, error) {
	if expression == nil {
		return nil, evalErrorf("nil expression")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	return expression.root.eval(ctx, row)
}

// EvaluateBool evaluates expression and applies truthiness to the result.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression *Expression, row map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}
