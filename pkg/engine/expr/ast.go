package expr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// node is one vertex of a parsed condition. Evaluation only ever reads the
// row and literal values; there is no node that can invoke host code.
type node interface {
	eval(ctx context.Context, row map[string]any) (any, error)
	String() string
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return evalErrorf("evaluation aborted: %v", ctx.Err())
	default:
		return nil
	}
}

type literalExpr struct {
	value any
}

func (n *literalExpr) eval(ctx context.Context, _ map[string]any) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

func (n *literalExpr) String() string {
	switch v := n.value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}

type rowExpr struct{}

func (n *rowExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if row == nil {
		return map[string]any{}, nil
	}
	return row, nil
}

func (n *rowExpr) String() string { return rowIdentifier }

type subscriptExpr struct {
	target node
	index  node
}

func (n *subscriptExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	target, err := n.target.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	index, err := n.index.eval(ctx, row)
	if err != nil {
		return nil, err
	}

	if m, ok := asMap(target); ok {
		key, ok := index.(string)
		if !ok {
			return nil, evalErrorf("field name must be a string, got %s", typeName(index))
		}
		value, found := m[key]
		if !found {
			return nil, evalErrorf("field %q not found; available fields: [%s]", key, strings.Join(sortedKeys(m), ", "))
		}
		return value, nil
	}

	if list, ok := asList(target); ok {
		i, ok := index.(int64)
		if !ok {
			return nil, evalErrorf("list index must be an integer, got %s", typeName(index))
		}
		if i < 0 {
			i += int64(len(list))
		}
		if i < 0 || i >= int64(len(list)) {
			return nil, evalErrorf("list index %d out of range for length %d", i, len(list))
		}
		return list[i], nil
	}

	if s, ok := target.(string); ok {
		i, ok := index.(int64)
		if !ok {
			return nil, evalErrorf("string index must be an integer, got %s", typeName(index))
		}
		runes := []rune(s)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, evalErrorf("string index %d out of range for length %d", i, len(runes))
		}
		return string(runes[i]), nil
	}

	return nil, evalErrorf("%s value is not subscriptable", typeName(target))
}

func (n *subscriptExpr) String() string {
	return fmt.Sprintf("%s[%s]", n.target, n.index)
}

// getExpr is row.get(field[, default]). A missing field yields the default,
// or null when none was supplied.
type getExpr struct {
	field       node
	fallback    node
	hasFallback bool
}

func (n *getExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	field, err := n.field.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	key, ok := field.(string)
	if !ok {
		return nil, evalErrorf("row.get field must be a string, got %s", typeName(field))
	}
	if value, found := row[key]; found {
		return value, nil
	}
	if !n.hasFallback {
		return nil, nil
	}
	return n.fallback.eval(ctx, row)
}

func (n *getExpr) String() string {
	if n.hasFallback {
		return fmt.Sprintf("row.get(%s, %s)", n.field, n.fallback)
	}
	return fmt.Sprintf("row.get(%s)", n.field)
}

type listExpr struct {
	items []node
}

func (n *listExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *listExpr) String() string {
	parts := make([]string, len(n.items))
	for i, item := range n.items {
		parts[i] = item.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type unaryExpr struct {
	negate  bool
	operand node
}

func (n *unaryExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	v, err := n.operand.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	num, ok := toNumber(v)
	if !ok {
		return nil, evalErrorf("unary operator requires a number, got %s", typeName(v))
	}
	if !n.negate {
		return num.value(), nil
	}
	if num.isFloat {
		return -num.f, nil
	}
	return -num.i, nil
}

func (n *unaryExpr) String() string {
	if n.negate {
		return "(-" + n.operand.String() + ")"
	}
	return "(+" + n.operand.String() + ")"
}

type notExpr struct {
	operand node
}

func (n *notExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	v, err := n.operand.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n *notExpr) String() string { return "(not " + n.operand.String() + ")" }

// boolExpr returns one of its operands, short-circuiting like Python.
type boolExpr struct {
	and   bool
	left  node
	right node
}

func (n *boolExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	left, err := n.left.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	if n.and != truthy(left) {
		return left, nil
	}
	return n.right.eval(ctx, row)
}

func (n *boolExpr) String() string {
	op := "or"
	if n.and {
		op = "and"
	}
	return fmt.Sprintf("(%s %s %s)", n.left, op, n.right)
}

type ternaryExpr struct {
	cond   node
	then   node
	orElse node
}

func (n *ternaryExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	cond, err := n.cond.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return n.then.eval(ctx, row)
	}
	return n.orElse.eval(ctx, row)
}

func (n *ternaryExpr) String() string {
	return fmt.Sprintf("(%s if %s else %s)", n.then, n.cond, n.orElse)
}

type compareOp int

const (
	opEq compareOp = iota
	opNeq
	opLt
	opLte
	opGt
	opGte
	opIn
	opNotIn
	opIs
	opIsNot
)

func (op compareOp) String() string {
	switch op {
	case opEq:
		return "=="
	case opNeq:
		return "!="
	case opLt:
		return "<"
	case opLte:
		return "<="
	case opGt:
		return ">"
	case opGte:
		return ">="
	case opIn:
		return "in"
	case opNotIn:
		return "not in"
	case opIs:
		return "is"
	case opIsNot:
		return "is not"
	default:
		return "?"
	}
}

// compareExpr is a comparison chain: a < b <= c means a < b and b <= c,
// each operand evaluated at most once.
type compareExpr struct {
	first node
	ops   []compareOp
	rest  []node
}

func (n *compareExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	left, err := n.first.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := n.rest[i].eval(ctx, row)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (n *compareExpr) String() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(n.first.String())
	for i, op := range n.ops {
		b.WriteString(" ")
		b.WriteString(op.String())
		b.WriteString(" ")
		b.WriteString(n.rest[i].String())
	}
	b.WriteString(")")
	return b.String()
}

type arithOp int

const (
	opAdd arithOp = iota
	opSub
	opMul
	opDiv
	opFloorDiv
	opMod
)

func (op arithOp) String() string {
	switch op {
	case opAdd:
		return "+"
	case opSub:
		return "-"
	case opMul:
		return "*"
	case opDiv:
		return "/"
	case opFloorDiv:
		return "//"
	case opMod:
		return "%"
	default:
		return "?"
	}
}

type arithExpr struct {
	op    arithOp
	left  node
	right node
}

func (n *arithExpr) eval(ctx context.Context, row map[string]any) (any, error) {
	left, err := n.left.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(ctx, row)
	if err != nil {
		return nil, err
	}
	return arithmetic(n.op, left, right)
}

func (n *arithExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", n.left, n.op, n.right)
}

func arithmetic(op arithOp, left, right any) (any, error) {
	if op == opAdd {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, evalErrorf("cannot add %s to string", typeName(right))
			}
			return ls + rs, nil
		}
		if ll, ok := asList(left); ok {
			rl, ok := asList(right)
			if !ok {
				return nil, evalErrorf("cannot add %s to list", typeName(right))
			}
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			return append(out, rl...), nil
		}
	}

	a, okA := toNumber(left)
	b, okB := toNumber(right)
	if !okA || !okB {
		return nil, evalErrorf("unsupported operand types for %s: %s and %s", op, typeName(left), typeName(right))
	}

	if op == opDiv {
		if b.float() == 0 {
			return nil, evalErrorf("division by zero")
		}
		return a.float() / b.float(), nil
	}

	if a.isFloat || b.isFloat {
		x, y := a.float(), b.float()
		switch op {
		case opAdd:
			return x + y, nil
		case opSub:
			return x - y, nil
		case opMul:
			return x * y, nil
		case opFloorDiv:
			if y == 0 {
				return nil, evalErrorf("division by zero")
			}
			return math.Floor(x / y), nil
		case opMod:
			if y == 0 {
				return nil, evalErrorf("modulo by zero")
			}
			m := math.Mod(x, y)
			if m != 0 && (m < 0) != (y < 0) {
				m += y
			}
			return m, nil
		}
	}

	x, y := a.i, b.i
	switch op {
	case opAdd:
		return x + y, nil
	case opSub:
		return x - y, nil
	case opMul:
		return x * y, nil
	case opFloorDiv:
		if y == 0 {
			return nil, evalErrorf("division by zero")
		}
		q := x / y
		if (x%y != 0) && ((x < 0) != (y < 0)) {
			q--
		}
		return q, nil
	case opMod:
		if y == 0 {
			return nil, evalErrorf("modulo by zero")
		}
		m := x % y
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return m, nil
	}
	return nil, evalErrorf("unsupported operator %s", op)
}

func compare(op compareOp, left, right any) (bool, error) {
	switch op {
	case opEq:
		return equal(left, right), nil
	case opNeq:
		return !equal(left, right), nil
	case opIs:
		return identical(left, right), nil
	case opIsNot:
		return !identical(left, right), nil
	case opIn:
		return contains(right, left)
	case opNotIn:
		found, err := contains(right, left)
		return !found, err
	}

	c, err := order(op, left, right)
	if err != nil {
		return false, err
	}
	switch op {
	case opLt:
		return c < 0, nil
	case opLte:
		return c <= 0, nil
	case opGt:
		return c > 0, nil
	case opGte:
		return c >= 0, nil
	}
	return false, evalErrorf("unsupported comparison %s", op)
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if a, ok := toNumber(left); ok {
		if b, ok := toNumber(right); ok {
			if !a.isFloat && !b.isFloat {
				return a.i == b.i
			}
			return a.float() == b.float()
		}
		return false
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	if ll, ok := asList(left); ok {
		rl, ok := asList(right)
		if !ok || len(ll) != len(rl) {
			return false
		}
		for i := range ll {
			if !equal(ll[i], rl[i]) {
				return false
			}
		}
		return true
	}
	if lm, ok := asMap(left); ok {
		rm, ok := asMap(right)
		if !ok || len(lm) != len(rm) {
			return false
		}
		for k, v := range lm {
			rv, found := rm[k]
			if !found || !equal(v, rv) {
				return false
			}
		}
		return true
	}
	return false
}

// identical backs is / is not: singletons compare by identity, everything
// else must agree on both type and value.
func identical(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	if _, ok := right.(bool); ok {
		return false
	}
	if typeName(left) != typeName(right) {
		return false
	}
	return equal(left, right)
}

func contains(container, item any) (bool, error) {
	if s, ok := container.(string); ok {
		sub, ok := item.(string)
		if !ok {
			return false, evalErrorf("'in <string>' requires a string operand, got %s", typeName(item))
		}
		return strings.Contains(s, sub), nil
	}
	if list, ok := asList(container); ok {
		for _, v := range list {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	}
	if m, ok := asMap(container); ok {
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := m[key]
		return found, nil
	}
	return false, evalErrorf("argument of type %s is not a container", typeName(container))
}

func order(op compareOp, left, right any) (int, error) {
	if a, ok := toNumber(left); ok {
		if b, ok := toNumber(right); ok {
			if !a.isFloat && !b.isFloat {
				return cmpInts(a.i, b.i), nil
			}
			x, y := a.float(), b.float()
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return strings.Compare(ls, rs), nil
		}
	}
	return 0, evalErrorf("'%s' not supported between %s and %s", op, typeName(left), typeName(right))
}

func cmpInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if num, ok := toNumber(v); ok {
		if num.isFloat {
			return num.f != 0
		}
		return num.i != 0
	}
	if list, ok := asList(v); ok {
		return len(list) > 0
	}
	if m, ok := asMap(v); ok {
		return len(m) > 0
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
