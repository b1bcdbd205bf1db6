package metadata

import "testing"

func TestParseFieldKind(t *testing.T) {
	for _, valid := range []string{"primitive", "link", "formula", "rollup", "lookup", "link_aggregate"} {
		if _, err := ParseFieldKind(valid); err != nil {
			t.Fatalf("expected %s to parse, got %v", valid, err)
		}
	}
	if _, err := ParseFieldKind("computed"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestFieldDerived(t *testing.T) {
	cases := map[FieldKind]bool{
		KindPrimitive:     false,
		KindLink:          false,
		KindFormula:       true,
		KindRollup:        true,
		KindLookup:        true,
		KindLinkAggregate: true,
	}
	for kind, want := range cases {
		f := &Field{ID: "f", Table: "t", Kind: kind}
		if f.Derived() != want {
			t.Fatalf("kind %s: expected Derived()=%v", kind, want)
		}
	}
}

func TestFieldValidate(t *testing.T) {
	valid := []*Field{
		{ID: "f1", Table: "t1", Kind: KindPrimitive, Type: "number"},
		{ID: "f2", Table: "t1", Kind: KindLink, TargetTable: "t2"},
		{ID: "f3", Table: "t1", Kind: KindFormula, Expression: "record.f1 + 1", References: []string{"f1"}},
		{ID: "f4", Table: "t1", Kind: KindRollup, LinkField: "f2", ForeignField: "g1", Aggregator: "sum"},
	}
	for _, f := range valid {
		if err := f.Validate(); err != nil {
			t.Fatalf("field %s: %v", f.ID, err)
		}
	}

	invalid := []*Field{
		{Table: "t1", Kind: KindPrimitive},                         // no ID
		{ID: "f1", Table: "t1", Kind: "computed"},                  // unknown kind
		{ID: "f2", Table: "t1", Kind: KindLink},                    // link without target
		{ID: "f3", Table: "t1", Kind: KindFormula},                 // formula without expression
		{ID: "f4", Table: "t1", Kind: KindRollup},                  // rollup without binding
		{ID: "f5", Table: "t1", Kind: KindLookup, LinkField: "f2"}, // lookup without foreign field
	}
	for _, f := range invalid {
		if err := f.Validate(); err == nil {
			t.Fatalf("expected field %q to fail validation", f.ID)
		}
	}
}
