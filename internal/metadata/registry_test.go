package metadata

import "testing"

func TestRegistryUpsertAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.UpsertTable(&Table{ID: "orders", Base: "b1", Name: "Orders"})
	reg.UpsertField(&Field{ID: "o_name", Table: "orders", Kind: KindPrimitive})
	reg.UpsertField(&Field{ID: "o_total", Table: "orders", Kind: KindFormula, Expression: "1"})

	if reg.GetTable("orders") == nil {
		t.Fatal("expected orders table")
	}
	if reg.GetField("o_total") == nil {
		t.Fatal("expected o_total field")
	}

	fields := reg.FieldsForTable("orders")
	if len(fields) != 2 || fields[0].ID != "o_name" || fields[1].ID != "o_total" {
		t.Fatalf("expected fields sorted by ID, got %v", fields)
	}

	derived := reg.DerivedFieldsForTable("orders")
	if len(derived) != 1 || derived[0].ID != "o_total" {
		t.Fatalf("expected only the formula, got %v", derived)
	}
}

func TestRegistryUpsertReplacesDefinition(t *testing.T) {
	reg := NewRegistry()
	reg.UpsertField(&Field{ID: "o_total", Table: "orders", Kind: KindFormula, Expression: "1", References: []string{}})
	reg.UpsertField(&Field{ID: "o_total", Table: "orders", Kind: KindFormula, Expression: "2", References: []string{}})

	if got := reg.GetField("o_total").Expression; got != "2" {
		t.Fatalf("expected replaced expression, got %q", got)
	}
	if fields := reg.FieldsForTable("orders"); len(fields) != 1 {
		t.Fatalf("expected one entry after upsert, got %d", len(fields))
	}
}

func TestRegistryRemoveField(t *testing.T) {
	reg := NewRegistry()
	reg.UpsertField(&Field{ID: "o_name", Table: "orders", Kind: KindPrimitive})

	removed := reg.RemoveField("o_name")
	if removed == nil || removed.ID != "o_name" {
		t.Fatalf("expected removed field back, got %v", removed)
	}
	if reg.GetField("o_name") != nil {
		t.Fatal("field still present after removal")
	}
	if len(reg.FieldsForTable("orders")) != 0 {
		t.Fatal("table index still holds removed field")
	}
	if reg.RemoveField("o_name") != nil {
		t.Fatal("expected nil for a second removal")
	}
}

func TestRegistryVersionAdvancesOnMutation(t *testing.T) {
	reg := NewRegistry()
	v := reg.Version()

	reg.UpsertField(&Field{ID: "f1", Table: "t1", Kind: KindPrimitive})
	if reg.Version() == v {
		t.Fatal("expected version bump on upsert")
	}

	v = reg.Version()
	reg.RemoveField("f1")
	if reg.Version() == v {
		t.Fatal("expected version bump on removal")
	}
}
