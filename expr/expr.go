package expr

import (
	"fmt"

	"tensorq/schema"
)

// Expr is an immutable, side-effect-free expression tree node. Expressions
// type-check against a schema via Resolve and are hashable by structure.
type Expr interface {
	// Resolve type-checks the expression against the schema and returns the
	// result type. Unknown column references fail with UnresolvedColumnError.
	Resolve(s *schema.Schema) (schema.DataType, error)

	// String renders a canonical textual form of the expression
	String() string

	hashInto(h hasher)
}

// UnresolvedColumnError reports a column reference that does not exist in the
// schema the expression is evaluated under.
type UnresolvedColumnError struct {
	Column string
	Schema string
}

func (e *UnresolvedColumnError) Error() string {
	return fmt.Sprintf("unresolved column %q (schema: %s)", e.Column, e.Schema)
}

// BinaryOpKind enumerates binary operators
type BinaryOpKind string

const (
	OpAdd BinaryOpKind = "add"
	OpSub BinaryOpKind = "sub"
	OpMul BinaryOpKind = "mul"
	OpDiv BinaryOpKind = "div"
	OpMod BinaryOpKind = "mod"
	OpLt  BinaryOpKind = "lt"
	OpGt  BinaryOpKind = "gt"
	OpEq  BinaryOpKind = "eq"
	OpNeq BinaryOpKind = "neq"
	OpLeq BinaryOpKind = "leq"
	OpGeq BinaryOpKind = "geq"
	OpAnd BinaryOpKind = "and"
	OpOr  BinaryOpKind = "or"
)

// UnaryOpKind enumerates unary operators
type UnaryOpKind string

const (
	OpNot UnaryOpKind = "not"
	OpNeg UnaryOpKind = "neg"
)

// Column references an attribute by name
type Column struct {
	Name string
}

// Literal is a typed constant. Value must be one of int64, float64, string, bool.
type Literal struct {
	Value interface{}
}

// BinaryOp applies a binary operator to two sub-expressions
type BinaryOp struct {
	Op    BinaryOpKind
	Left  Expr
	Right Expr
}

// UnaryOp applies a unary operator to one sub-expression
type UnaryOp struct {
	Op      UnaryOpKind
	Operand Expr
}

// Function is a call to a builtin scalar function
type Function struct {
	Name string
	Args []Expr
}

// WhenBranch is one WHEN/THEN arm of a CaseWhen
type WhenBranch struct {
	When Expr
	Then Expr
}

// CaseWhen evaluates branches in order and yields the first matching THEN,
// or Else when no branch matches.
type CaseWhen struct {
	Branches []WhenBranch
	Else     Expr
}

// Col is shorthand for a column reference
func Col(name string) *Column { return &Column{Name: name} }

// Lit is shorthand for a literal. Integer values are normalized to int64.
func Lit(v interface{}) *Literal {
	switch x := v.(type) {
	case int:
		return &Literal{Value: int64(x)}
	case int32:
		return &Literal{Value: int64(x)}
	case float32:
		return &Literal{Value: float64(x)}
	default:
		return &Literal{Value: v}
	}
}

// Bin is shorthand for a binary operation
func Bin(op BinaryOpKind, left, right Expr) *BinaryOp {
	return &BinaryOp{Op: op, Left: left, Right: right}
}

func (c *Column) Resolve(s *schema.Schema) (schema.DataType, error) {
	attr, ok := s.Lookup(c.Name)
	if !ok {
		return 0, &UnresolvedColumnError{Column: c.Name, Schema: s.String()}
	}
	return attr.Type, nil
}

func (c *Column) String() string { return c.Name }

func (l *Literal) Resolve(*schema.Schema) (schema.DataType, error) {
	switch l.Value.(type) {
	case int64:
		return schema.INT64, nil
	case float64:
		return schema.FLOAT64, nil
	case string:
		return schema.STRING, nil
	case bool:
		return schema.BOOLEAN, nil
	default:
		return 0, fmt.Errorf("unsupported literal type %T", l.Value)
	}
}

func (l *Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", l.Value)
}

func (b *BinaryOp) Resolve(s *schema.Schema) (schema.DataType, error) {
	lt, err := b.Left.Resolve(s)
	if err != nil {
		return 0, err
	}
	rt, err := b.Right.Resolve(s)
	if err != nil {
		return 0, err
	}

	switch b.Op {
	case OpAdd, OpSub, OpMul, OpMod:
		if !lt.IsNumeric() || !rt.IsNumeric() {
			return 0, fmt.Errorf("operator %s requires numeric operands, got %s and %s", b.Op, lt, rt)
		}
		if lt == schema.FLOAT64 || rt == schema.FLOAT64 {
			return schema.FLOAT64, nil
		}
		return schema.INT64, nil
	case OpDiv:
		if !lt.IsNumeric() || !rt.IsNumeric() {
			return 0, fmt.Errorf("operator %s requires numeric operands, got %s and %s", b.Op, lt, rt)
		}
		return schema.FLOAT64, nil
	case OpLt, OpGt, OpEq, OpNeq, OpLeq, OpGeq:
		if lt != rt && !(lt.IsNumeric() && rt.IsNumeric()) {
			return 0, fmt.Errorf("cannot compare %s with %s", lt, rt)
		}
		return schema.BOOLEAN, nil
	case OpAnd, OpOr:
		if lt != schema.BOOLEAN || rt != schema.BOOLEAN {
			return 0, fmt.Errorf("operator %s requires boolean operands, got %s and %s", b.Op, lt, rt)
		}
		return schema.BOOLEAN, nil
	default:
		return 0, fmt.Errorf("unknown binary operator %q", b.Op)
	}
}

func (b *BinaryOp) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

func (u *UnaryOp) Resolve(s *schema.Schema) (schema.DataType, error) {
	ot, err := u.Operand.Resolve(s)
	if err != nil {
		return 0, err
	}
	switch u.Op {
	case OpNot:
		if ot != schema.BOOLEAN {
			return 0, fmt.Errorf("operator not requires a boolean operand, got %s", ot)
		}
		return schema.BOOLEAN, nil
	case OpNeg:
		if !ot.IsNumeric() {
			return 0, fmt.Errorf("operator neg requires a numeric operand, got %s", ot)
		}
		return ot, nil
	default:
		return 0, fmt.Errorf("unknown unary operator %q", u.Op)
	}
}

func (u *UnaryOp) String() string {
	return fmt.Sprintf("(%s %s)", u.Op, u.Operand)
}

func (f *Function) Resolve(s *schema.Schema) (schema.DataType, error) {
	sig, ok := builtins[f.Name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", f.Name)
	}
	if len(f.Args) != len(sig.argTypes) {
		return 0, fmt.Errorf("function %s expects %d argument(s), got %d", f.Name, len(sig.argTypes), len(f.Args))
	}
	argTypes := make([]schema.DataType, len(f.Args))
	for i, arg := range f.Args {
		at, err := arg.Resolve(s)
		if err != nil {
			return 0, err
		}
		argTypes[i] = at
	}
	return sig.check(f.Name, argTypes)
}

func (f *Function) String() string {
	args := ""
	for i, arg := range f.Args {
		if i > 0 {
			args += ", "
		}
		args += arg.String()
	}
	return fmt.Sprintf("%s(%s)", f.Name, args)
}

func (c *CaseWhen) Resolve(s *schema.Schema) (schema.DataType, error) {
	if len(c.Branches) == 0 {
		return 0, fmt.Errorf("case expression requires at least one when branch")
	}
	var resultType schema.DataType
	for i, br := range c.Branches {
		wt, err := br.When.Resolve(s)
		if err != nil {
			return 0, err
		}
		if wt != schema.BOOLEAN {
			return 0, fmt.Errorf("when condition %d must be boolean, got %s", i, wt)
		}
		tt, err := br.Then.Resolve(s)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			resultType = tt
		} else {
			merged, err := mergeTypes(resultType, tt)
			if err != nil {
				return 0, fmt.Errorf("case branch %d: %w", i, err)
			}
			resultType = merged
		}
	}
	if c.Else != nil {
		et, err := c.Else.Resolve(s)
		if err != nil {
			return 0, err
		}
		merged, err := mergeTypes(resultType, et)
		if err != nil {
			return 0, fmt.Errorf("case else: %w", err)
		}
		resultType = merged
	}
	return resultType, nil
}

func (c *CaseWhen) String() string {
	out := "case"
	for _, br := range c.Branches {
		out += fmt.Sprintf(" when %s then %s", br.When, br.Then)
	}
	if c.Else != nil {
		out += fmt.Sprintf(" else %s", c.Else)
	}
	return out + " end"
}

// mergeTypes unifies two branch result types, promoting mixed numerics to float
func mergeTypes(a, b schema.DataType) (schema.DataType, error) {
	if a == b {
		return a, nil
	}
	if a.IsNumeric() && b.IsNumeric() {
		return schema.FLOAT64, nil
	}
	return 0, fmt.Errorf("incompatible branch types %s and %s", a, b)
}

type builtinSig struct {
	argTypes []argKind
	check    func(name string, args []schema.DataType) (schema.DataType, error)
}

type argKind int

const (
	argNumeric argKind = iota
	argString
)

var builtins = map[string]builtinSig{
	"abs": {
		argTypes: []argKind{argNumeric},
		check: func(name string, args []schema.DataType) (schema.DataType, error) {
			if !args[0].IsNumeric() {
				return 0, fmt.Errorf("%s requires a numeric argument, got %s", name, args[0])
			}
			return args[0], nil
		},
	},
	"upper": {argTypes: []argKind{argString}, check: checkStringToString},
	"lower": {argTypes: []argKind{argString}, check: checkStringToString},
	"length": {
		argTypes: []argKind{argString},
		check: func(name string, args []schema.DataType) (schema.DataType, error) {
			if args[0] != schema.STRING {
				return 0, fmt.Errorf("%s requires a string argument, got %s", name, args[0])
			}
			return schema.INT64, nil
		},
	},
}

func checkStringToString(name string, args []schema.DataType) (schema.DataType, error) {
	if args[0] != schema.STRING {
		return 0, fmt.Errorf("%s requires a string argument, got %s", name, args[0])
	}
	return schema.STRING, nil
}
