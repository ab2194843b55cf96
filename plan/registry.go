package plan

import (
	"fmt"

	"tensorq/ir"
)

// Registry maps IR operator kinds to operator implementations. The set is
// extensible: engines register their own kernels, and the distributed layer
// re-registers the exchange kind with a rank-aware implementation.
type Registry struct {
	ops map[ir.OpKind]Operator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[ir.OpKind]Operator)}
}

// Register binds an operator kind to an implementation, replacing any
// previous binding.
func (r *Registry) Register(kind ir.OpKind, op Operator) {
	r.ops[kind] = op
}

// Lookup returns the implementation bound to a kind
func (r *Registry) Lookup(kind ir.OpKind) (Operator, bool) {
	op, ok := r.ops[kind]
	return op, ok
}

// Clone returns a registry with the same bindings, so callers can override
// kinds without affecting the original.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	for kind, op := range r.ops {
		out.ops[kind] = op
	}
	return out
}

// UnboundOperatorError reports an IR node kind with no registered
// implementation. Raised at compile time, never at run time.
type UnboundOperatorError struct {
	Kind ir.OpKind
}

func (e *UnboundOperatorError) Error() string {
	return fmt.Sprintf("no operator implementation registered for kind %q", e.Kind)
}

// PlanValidationError reports a structurally invalid plan, identifying the
// offending node by its output name.
type PlanValidationError struct {
	NodeID  string
	Message string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("invalid plan node %q: %s", e.NodeID, e.Message)
}
