package plan

import (
	"encoding/json"
	"fmt"

	"tensorq/expr"
	"tensorq/ir"
)

// The persisted layout of a plan node is exactly
// {"op": ..., "inputs": [...], "output": ..., "params": {...}}.
// Bound operator implementations are not serialized; a deserialized plan
// must be rebound with Bind before execution.

// MarshalJSON serializes a plan for persistence or debugging
func (p *Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return json.Marshal((*alias)(p))
}

// UnmarshalPlan decodes a serialized plan. Operator parameters are restored
// to their typed forms based on the node's operator kind.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var raw struct {
		ID     string `json:"id"`
		Output string `json:"output"`
		Nodes  []struct {
			Op     ir.OpKind                  `json:"op"`
			Inputs []string                   `json:"inputs"`
			Output string                     `json:"output"`
			Params map[string]json.RawMessage `json:"params"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}

	p := &Plan{ID: raw.ID, Output: raw.Output}
	for _, rn := range raw.Nodes {
		params, err := decodeParams(rn.Op, rn.Params)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", rn.Output, err)
		}
		p.Nodes = append(p.Nodes, &Node{
			Op:     rn.Op,
			Inputs: rn.Inputs,
			Output: rn.Output,
			Params: params,
		})
	}
	return p, nil
}

// Bind rebinds every node to an implementation from the registry. Used after
// deserializing a plan; freshly compiled plans are already bound.
func (p *Plan) Bind(registry *Registry) error {
	for _, node := range p.Nodes {
		op, ok := registry.Lookup(node.Op)
		if !ok {
			return &UnboundOperatorError{Kind: node.Op}
		}
		node.operator = op
	}
	return nil
}

func decodeParams(kind ir.OpKind, raw map[string]json.RawMessage) (Params, error) {
	if raw == nil {
		return Params{}, nil
	}
	params := Params{}
	for key, value := range raw {
		decoded, err := decodeParam(kind, key, value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		params[key] = decoded
	}
	return params, nil
}

func decodeParam(kind ir.OpKind, key string, raw json.RawMessage) (interface{}, error) {
	switch key {
	case "predicate":
		return expr.UnmarshalJSON(raw)
	case "columns":
		var cols []ir.ProjectColumn
		if err := json.Unmarshal(raw, &cols); err != nil {
			return nil, err
		}
		return cols, nil
	case "aggregates":
		var aggs []ir.AggSpec
		if err := json.Unmarshal(raw, &aggs); err != nil {
			return nil, err
		}
		return aggs, nil
	case "group_by":
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
		return names, nil
	case "keys":
		if kind == ir.OpSort {
			var keys []ir.SortKey
			if err := json.Unmarshal(raw, &keys); err != nil {
				return nil, err
			}
			return keys, nil
		}
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
		return names, nil
	case "window":
		var spec ir.WindowSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return spec, nil
	case "limit":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case "exchange":
		var ek ir.ExchangeKind
		if err := json.Unmarshal(raw, &ek); err != nil {
			return nil, err
		}
		return ek, nil
	default:
		// table, udf, left_key, right_key and any extension parameters
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
}
