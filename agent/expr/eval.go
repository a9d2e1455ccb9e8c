package expr

import (
	"fmt"
	"strings"
)

type litExpr struct{ v interface{} }

func (e *litExpr) eval(_ map[string]interface{}) (interface{}, error) { return e.v, nil }

type andExpr struct{ left, right Expr }

func (e *andExpr) eval(ctx map[string]interface{}) (interface{}, error) {
	l, err := boolOf(e.left, ctx)
	if err != nil {
		return nil, err
	}
	if !l {
		return false, nil
	}
	return boolOf(e.right, ctx)
}

type orExpr struct{ left, right Expr }

func (e *orExpr) eval(ctx map[string]interface{}) (interface{}, error) {
	l, err := boolOf(e.left, ctx)
	if err != nil {
		return nil, err
	}
	if l {
		return true, nil
	}
	return boolOf(e.right, ctx)
}

type notExpr struct{ inner Expr }

func (e *notExpr) eval(ctx map[string]interface{}) (interface{}, error) {
	b, err := boolOf(e.inner, ctx)
	if err != nil {
		return nil, err
	}
	return !b, nil
}

func boolOf(e Expr, ctx map[string]interface{}) (bool, error) {
	v, err := e.eval(ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expr: expected boolean, got %T", v)
	}
	return b, nil
}

type cmpExpr struct {
	op          string
	left, right Expr
}

func (e *cmpExpr) eval(ctx map[string]interface{}) (interface{}, error) {
	l, err := e.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "==":
		return equalValues(l, r), nil
	case "!=":
		return !equalValues(l, r), nil
	case "<", "<=", ">", ">=":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if lok && rok {
			switch e.op {
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
		ls, lsok := l.(string)
		rs, rsok := r.(string)
		if lsok && rsok {
			switch e.op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("expr: cannot compare %T %s %T", l, e.op, r)
	}
	return nil, fmt.Errorf("expr: unknown operator %q", e.op)
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// memberStep is one '.' hop in a memberExpr chain: a field access, or
// (if isCall) a whitelisted method call with evaluated args.
type memberStep struct {
	name   string
	isCall bool
	args   []Expr
}

// memberExpr resolves root.step1.step2(...) against the context record.
// root is looked up directly in ctx; "output" and "error" are always
// present per spec.md §4.6.4, and named execution-scope keys are merged
// in by the caller before Eval is invoked.
type memberExpr struct {
	root  string
	steps []memberStep
}

func (e *memberExpr) eval(ctx map[string]interface{}) (interface{}, error) {
	cur, ok := ctx[e.root]
	if !ok {
		cur = nil
	}
	for _, step := range e.steps {
		if step.isCall {
			var err error
			cur, err = callMethod(cur, step.name, step.args, ctx)
			if err != nil {
				return nil, err
			}
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			cur = nil
			continue
		}
		cur = m[step.name]
	}
	return cur, nil
}

func callMethod(recv interface{}, name string, args []Expr, ctx map[string]interface{}) (interface{}, error) {
	s, ok := recv.(string)
	if !ok {
		return nil, fmt.Errorf("expr: method %q called on non-string value %T", name, recv)
	}
	evaledArgs := make([]interface{}, len(args))
	for i, a := range args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		evaledArgs[i] = v
	}
	switch name {
	case "lower":
		return strings.ToLower(s), nil
	case "upper":
		return strings.ToUpper(s), nil
	case "strip":
		return strings.TrimSpace(s), nil
	case "contains":
		if len(evaledArgs) != 1 {
			return nil, fmt.Errorf("expr: contains() takes exactly one argument")
		}
		arg, ok := evaledArgs[0].(string)
		if !ok {
			return nil, fmt.Errorf("expr: contains() argument must be a string")
		}
		return strings.Contains(s, arg), nil
	case "startswith":
		if len(evaledArgs) != 1 {
			return nil, fmt.Errorf("expr: startswith() takes exactly one argument")
		}
		arg, _ := evaledArgs[0].(string)
		return strings.HasPrefix(s, arg), nil
	case "endswith":
		if len(evaledArgs) != 1 {
			return nil, fmt.Errorf("expr: endswith() takes exactly one argument")
		}
		arg, _ := evaledArgs[0].(string)
		return strings.HasSuffix(s, arg), nil
	}
	return nil, fmt.Errorf("expr: method %q is not whitelisted", name)
}
