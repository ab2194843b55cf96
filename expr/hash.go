package expr

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// hasher accumulates a structural fingerprint of an expression tree
type hasher struct {
	d *xxhash.Digest
}

func (h hasher) tag(t string) {
	h.d.WriteString(t)
	h.d.Write([]byte{0})
}

func (h hasher) str(s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.d.Write(lenBuf[:])
	h.d.WriteString(s)
}

func (h hasher) u64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.d.Write(buf[:])
}

// Hash returns a structural hash of the expression. Two expressions with
// identical structure hash to the same value, which lets callers detect
// repeated sub-expressions without comparing trees node by node.
func Hash(e Expr) uint64 {
	h := hasher{d: xxhash.New()}
	e.hashInto(h)
	return h.d.Sum64()
}

// Equal reports whether two expressions are structurally identical
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func (c *Column) hashInto(h hasher) {
	h.tag("col")
	h.str(c.Name)
}

func (l *Literal) hashInto(h hasher) {
	switch v := l.Value.(type) {
	case int64:
		h.tag("lit:i64")
		h.u64(uint64(v))
	case float64:
		h.tag("lit:f64")
		h.u64(math.Float64bits(v))
	case string:
		h.tag("lit:str")
		h.str(v)
	case bool:
		h.tag("lit:bool")
		if v {
			h.u64(1)
		} else {
			h.u64(0)
		}
	default:
		h.tag("lit:unknown")
	}
}

func (b *BinaryOp) hashInto(h hasher) {
	h.tag("bin")
	h.str(string(b.Op))
	b.Left.hashInto(h)
	b.Right.hashInto(h)
}

func (u *UnaryOp) hashInto(h hasher) {
	h.tag("un")
	h.str(string(u.Op))
	u.Operand.hashInto(h)
}

func (f *Function) hashInto(h hasher) {
	h.tag("fn")
	h.str(f.Name)
	h.u64(uint64(len(f.Args)))
	for _, arg := range f.Args {
		arg.hashInto(h)
	}
}

func (c *CaseWhen) hashInto(h hasher) {
	h.tag("case")
	h.u64(uint64(len(c.Branches)))
	for _, br := range c.Branches {
		br.When.hashInto(h)
		br.Then.hashInto(h)
	}
	if c.Else != nil {
		h.tag("else")
		c.Else.hashInto(h)
	}
}
