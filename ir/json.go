package ir

import (
	"encoding/json"

	"tensorq/expr"
)

// UnmarshalJSON restores the expression tree from its tagged JSON form
func (pc *ProjectColumn) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name string          `json:"name"`
		Expr json.RawMessage `json:"expr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := expr.UnmarshalJSON(raw.Expr)
	if err != nil {
		return err
	}
	pc.Name = raw.Name
	pc.Expr = decoded
	return nil
}
