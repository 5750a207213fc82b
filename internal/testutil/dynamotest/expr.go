package dynamotest

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tokenize splits a DynamoDB expression into identifiers, placeholders and operators.
func tokenize(expr string) ([]string, error) {
	var toks []string
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == ',' || r == '=' || r == '+' || r == '-':
			toks = append(toks, string(r))
			i++
		case r == '<' || r == '>':
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				toks = append(toks, string(rs[i:i+2]))
				i += 2
			} else {
				toks = append(toks, string(r))
				i++
			}
		case r == '#' || r == ':' || r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i + 1
			for j < len(rs) && (rs[j] == '_' || rs[j] == '.' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in %q", r, expr)
		}
	}
	return toks, nil
}

type evaluator struct {
	toks   []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
}

func newEvaluator(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (*evaluator, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	return &evaluator{toks: toks, names: names, values: values, item: item}, nil
}

// evalCondition reports whether item satisfies a condition / filter / key condition expression.
func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	e, err := newEvaluator(expr, names, values, item)
	if err != nil {
		return false, err
	}
	ok, err := e.parseOr()
	if err != nil {
		return false, err
	}
	if e.pos != len(e.toks) {
		return false, fmt.Errorf("trailing tokens in %q at %d", expr, e.pos)
	}
	return ok, nil
}

func (e *evaluator) peek() string {
	if e.pos < len(e.toks) {
		return e.toks[e.pos]
	}
	return ""
}

func (e *evaluator) next() string {
	t := e.peek()
	e.pos++
	return t
}

func (e *evaluator) expect(tok string) error {
	if got := e.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (e *evaluator) parseOr() (bool, error) {
	left, err := e.parseAnd()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(e.peek(), "OR") {
		e.next()
		right, err := e.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (e *evaluator) parseAnd() (bool, error) {
	left, err := e.parseNot()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(e.peek(), "AND") {
		e.next()
		right, err := e.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (e *evaluator) parseNot() (bool, error) {
	if strings.EqualFold(e.peek(), "NOT") {
		e.next()
		v, err := e.parseNot()
		return !v, err
	}
	return e.parsePrimary()
}

func (e *evaluator) parsePrimary() (bool, error) {
	tok := e.peek()
	if tok == "(" {
		e.next()
		v, err := e.parseOr()
		if err != nil {
			return false, err
		}
		return v, e.expect(")")
	}

	switch strings.ToLower(tok) {
	case "attribute_exists", "attribute_not_exists":
		e.next()
		if err := e.expect("("); err != nil {
			return false, err
		}
		name := e.resolveName(e.next())
		if err := e.expect(")"); err != nil {
			return false, err
		}
		_, present := e.item[name]
		if strings.EqualFold(tok, "attribute_exists") {
			return present, nil
		}
		return !present, nil
	case "begins_with":
		e.next()
		if err := e.expect("("); err != nil {
			return false, err
		}
		a, aok := e.operand(e.next())
		if err := e.expect(","); err != nil {
			return false, err
		}
		b, bok := e.operand(e.next())
		if err := e.expect(")"); err != nil {
			return false, err
		}
		if !aok || !bok {
			return false, nil
		}
		as, ok1 := a.(*types.AttributeValueMemberS)
		bs, ok2 := b.(*types.AttributeValueMemberS)
		return ok1 && ok2 && strings.HasPrefix(as.Value, bs.Value), nil
	}

	left, lok := e.operand(e.next())
	op := e.next()
	right, rok := e.operand(e.next())
	if !lok || !rok {
		return false, nil
	}
	cmp, comparable := compare(left, right)
	switch op {
	case "=":
		return comparable && cmp == 0, nil
	case "<>":
		return !comparable || cmp != 0, nil
	case "<":
		return comparable && cmp < 0, nil
	case "<=":
		return comparable && cmp <= 0, nil
	case ">":
		return comparable && cmp > 0, nil
	case ">=":
		return comparable && cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func (e *evaluator) resolveName(tok string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := e.names[tok]; ok {
			return n
		}
	}
	return tok
}

// operand resolves a placeholder or attribute path; false when the attribute is absent.
func (e *evaluator) operand(tok string) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := e.values[tok]
		return v, ok
	}
	v, ok := e.item[e.resolveName(tok)]
	return v, ok
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if av.Value == bv.Value {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// applyUpdate applies "SET a = :x, b = :y REMOVE c" to item in place.
func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	e, err := newEvaluator(expr, names, values, item)
	if err != nil {
		return err
	}
	clause := ""
	for e.pos < len(e.toks) {
		tok := e.next()
		switch strings.ToUpper(tok) {
		case "SET", "REMOVE":
			clause = strings.ToUpper(tok)
			continue
		case ",":
			continue
		}
		switch clause {
		case "SET":
			target := e.resolveName(tok)
			if err := e.expect("="); err != nil {
				return err
			}
			v, ok := e.operand(e.next())
			if !ok {
				return fmt.Errorf("missing value for %s in %q", target, expr)
			}
			item[target] = v
		case "REMOVE":
			delete(item, e.resolveName(tok))
		default:
			return fmt.Errorf("unsupported update expression %q", expr)
		}
	}
	return nil
}
