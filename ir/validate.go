package ir

import "fmt"

// CyclicGraphError reports a cycle in an IR graph
type CyclicGraphError struct {
	Kind OpKind
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("ir graph contains a cycle through %s node", e.Kind)
}

// Validate walks the graph rooted at root and rejects cycles. Constructors
// cannot build a cycle out of already-constructed children, but a graph
// assembled by an external frontend is checked here before compilation.
func Validate(root *Node) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[*Node]int)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch color[n] {
		case gray:
			return &CyclicGraphError{Kind: n.kind}
		case black:
			return nil
		}
		color[n] = gray
		for _, child := range n.children {
			if err := visit(child); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}
	return visit(root)
}
