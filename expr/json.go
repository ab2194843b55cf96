package expr

import (
	"encoding/json"
	"fmt"
)

// The JSON layout is the persisted plan form: a tagged object per node,
// e.g. {"kind":"binary","op":"lt","left":{...},"right":{...}}.

type jsonNode struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Op       string          `json:"op,omitempty"`
	Value    interface{}     `json:"value,omitempty"`
	Type     string          `json:"type,omitempty"`
	Left     json.RawMessage `json:"left,omitempty"`
	Right    json.RawMessage `json:"right,omitempty"`
	Operand  json.RawMessage `json:"operand,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
	Branches []jsonBranch    `json:"branches,omitempty"`
	Else     json.RawMessage `json:"else,omitempty"`
}

type jsonBranch struct {
	When json.RawMessage `json:"when"`
	Then json.RawMessage `json:"then"`
}

func (c *Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonNode{Kind: "column", Name: c.Name})
}

func (l *Literal) MarshalJSON() ([]byte, error) {
	// Value must not carry omitempty: false and 0 are valid literals
	node := struct {
		Kind  string      `json:"kind"`
		Type  string      `json:"type"`
		Value interface{} `json:"value"`
	}{Kind: "literal", Value: l.Value}
	switch l.Value.(type) {
	case int64:
		node.Type = "int64"
	case float64:
		node.Type = "float64"
	case string:
		node.Type = "string"
	case bool:
		node.Type = "boolean"
	}
	return json.Marshal(node)
}

func (b *BinaryOp) MarshalJSON() ([]byte, error) {
	left, err := json.Marshal(b.Left)
	if err != nil {
		return nil, err
	}
	right, err := json.Marshal(b.Right)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonNode{Kind: "binary", Op: string(b.Op), Left: left, Right: right})
}

func (u *UnaryOp) MarshalJSON() ([]byte, error) {
	operand, err := json.Marshal(u.Operand)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonNode{Kind: "unary", Op: string(u.Op), Operand: operand})
}

func (f *Function) MarshalJSON() ([]byte, error) {
	args := make([]json.RawMessage, len(f.Args))
	for i, arg := range f.Args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		args[i] = raw
	}
	return json.Marshal(jsonNode{Kind: "function", Name: f.Name, Args: args})
}

func (c *CaseWhen) MarshalJSON() ([]byte, error) {
	branches := make([]jsonBranch, len(c.Branches))
	for i, br := range c.Branches {
		when, err := json.Marshal(br.When)
		if err != nil {
			return nil, err
		}
		then, err := json.Marshal(br.Then)
		if err != nil {
			return nil, err
		}
		branches[i] = jsonBranch{When: when, Then: then}
	}
	node := jsonNode{Kind: "case", Branches: branches}
	if c.Else != nil {
		raw, err := json.Marshal(c.Else)
		if err != nil {
			return nil, err
		}
		node.Else = raw
	}
	return json.Marshal(node)
}

// UnmarshalJSON decodes the tagged JSON form back into an expression tree
func UnmarshalJSON(data []byte) (Expr, error) {
	var node jsonNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}

	switch node.Kind {
	case "column":
		return &Column{Name: node.Name}, nil
	case "literal":
		return decodeLiteral(node)
	case "binary":
		left, err := UnmarshalJSON(node.Left)
		if err != nil {
			return nil, err
		}
		right, err := UnmarshalJSON(node.Right)
		if err != nil {
			return nil, err
		}
		return &BinaryOp{Op: BinaryOpKind(node.Op), Left: left, Right: right}, nil
	case "unary":
		operand, err := UnmarshalJSON(node.Operand)
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: UnaryOpKind(node.Op), Operand: operand}, nil
	case "function":
		args := make([]Expr, len(node.Args))
		for i, raw := range node.Args {
			arg, err := UnmarshalJSON(raw)
			if err != nil {
				return nil, err
			}
			args[i] = arg
		}
		return &Function{Name: node.Name, Args: args}, nil
	case "case":
		branches := make([]WhenBranch, len(node.Branches))
		for i, br := range node.Branches {
			when, err := UnmarshalJSON(br.When)
			if err != nil {
				return nil, err
			}
			then, err := UnmarshalJSON(br.Then)
			if err != nil {
				return nil, err
			}
			branches[i] = WhenBranch{When: when, Then: then}
		}
		var elseExpr Expr
		if len(node.Else) > 0 {
			decoded, err := UnmarshalJSON(node.Else)
			if err != nil {
				return nil, err
			}
			elseExpr = decoded
		}
		return &CaseWhen{Branches: branches, Else: elseExpr}, nil
	default:
		return nil, fmt.Errorf("unknown expression kind %q", node.Kind)
	}
}

// decodeLiteral restores the Go value from the JSON number/string plus type tag
func decodeLiteral(node jsonNode) (Expr, error) {
	switch node.Type {
	case "int64":
		switch v := node.Value.(type) {
		case float64:
			return &Literal{Value: int64(v)}, nil
		case int64:
			return &Literal{Value: v}, nil
		}
	case "float64":
		if v, ok := node.Value.(float64); ok {
			return &Literal{Value: v}, nil
		}
	case "string":
		if v, ok := node.Value.(string); ok {
			return &Literal{Value: v}, nil
		}
	case "boolean":
		if v, ok := node.Value.(bool); ok {
			return &Literal{Value: v}, nil
		}
	}
	return nil, fmt.Errorf("malformed literal: type=%q value=%T", node.Type, node.Value)
}
