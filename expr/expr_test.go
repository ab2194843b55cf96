package expr

import (
	"encoding/json"
	"errors"
	"testing"

	"tensorq/schema"
)

var testSchema = schema.MustNew(
	schema.Attribute{Name: "qty", Type: schema.INT64},
	schema.Attribute{Name: "price", Type: schema.FLOAT64},
	schema.Attribute{Name: "name", Type: schema.STRING},
	schema.Attribute{Name: "open", Type: schema.BOOLEAN},
)

func TestResolveTypes(t *testing.T) {
	cases := []struct {
		name string
		e    Expr
		want schema.DataType
	}{
		{"column", Col("qty"), schema.INT64},
		{"int literal", Lit(int64(3)), schema.INT64},
		{"arith promotes to float", Bin(OpAdd, Col("qty"), Col("price")), schema.FLOAT64},
		{"int arith stays int", Bin(OpMul, Col("qty"), Lit(int64(2))), schema.INT64},
		{"comparison", Bin(OpLt, Col("qty"), Lit(int64(24))), schema.BOOLEAN},
		{"string comparison", Bin(OpEq, Col("name"), Lit("x")), schema.BOOLEAN},
		{"logical", Bin(OpAnd, Col("open"), Bin(OpGt, Col("price"), Lit(1.5))), schema.BOOLEAN},
		{"not", &UnaryOp{Op: OpNot, Operand: Col("open")}, schema.BOOLEAN},
		{"neg", &UnaryOp{Op: OpNeg, Operand: Col("price")}, schema.FLOAT64},
		{"upper", &Function{Name: "upper", Args: []Expr{Col("name")}}, schema.STRING},
		{"length", &Function{Name: "length", Args: []Expr{Col("name")}}, schema.INT64},
		{"abs", &Function{Name: "abs", Args: []Expr{Col("qty")}}, schema.INT64},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.e.Resolve(testSchema)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("resolved to %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	t.Run("unknown column", func(t *testing.T) {
		_, err := Col("ghost").Resolve(testSchema)
		var ue *UnresolvedColumnError
		if !errors.As(err, &ue) {
			t.Fatalf("expected *UnresolvedColumnError, got %v", err)
		}
		if ue.Column != "ghost" {
			t.Fatalf("error names column %q", ue.Column)
		}
	})
	t.Run("arith on strings", func(t *testing.T) {
		if _, err := Bin(OpAdd, Col("name"), Col("name")).Resolve(testSchema); err == nil {
			t.Fatal("expected type error")
		}
	})
	t.Run("logical on numbers", func(t *testing.T) {
		if _, err := Bin(OpAnd, Col("qty"), Col("open")).Resolve(testSchema); err == nil {
			t.Fatal("expected type error")
		}
	})
	t.Run("nested unknown column surfaces", func(t *testing.T) {
		e := Bin(OpAdd, Lit(int64(1)), Bin(OpMul, Col("ghost"), Lit(int64(2))))
		var ue *UnresolvedColumnError
		if _, err := e.Resolve(testSchema); !errors.As(err, &ue) {
			t.Fatalf("expected *UnresolvedColumnError, got %v", err)
		}
	})
}

func TestHashEquality(t *testing.T) {
	a := Bin(OpAdd, Col("qty"), Lit(int64(1)))
	b := Bin(OpAdd, Col("qty"), Lit(int64(1)))
	if Hash(a) != Hash(b) {
		t.Fatal("structurally equal expressions must hash equal")
	}
	if !Equal(a, b) {
		t.Fatal("structurally equal expressions must compare equal")
	}

	c := Bin(OpAdd, Col("qty"), Lit(int64(2)))
	if Equal(a, c) {
		t.Fatal("different literals must not compare equal")
	}
	// int64(1) and float64(1) are different literals
	d := Bin(OpAdd, Col("qty"), Lit(float64(1)))
	if Hash(a) == Hash(d) {
		t.Fatal("literal type must participate in the hash")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	exprs := []Expr{
		Col("qty"),
		Lit(int64(42)),
		Lit(int64(0)),
		Lit(2.5),
		Lit("hello"),
		Lit(true),
		Lit(false),
		Bin(OpOr, Bin(OpLt, Col("qty"), Lit(int64(10))), Col("open")),
		&UnaryOp{Op: OpNeg, Operand: Col("price")},
		&Function{Name: "lower", Args: []Expr{Col("name")}},
		&CaseWhen{
			Branches: []WhenBranch{{When: Col("open"), Then: Lit(int64(1))}},
			Else:     Lit(int64(0)),
		},
	}
	for _, original := range exprs {
		t.Run(original.String(), func(t *testing.T) {
			data, err := json.Marshal(original)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := UnmarshalJSON(data)
			if err != nil {
				t.Fatal(err)
			}
			if !Equal(original, decoded) {
				t.Fatalf("round trip changed %s into %s", original, decoded)
			}
		})
	}
}
