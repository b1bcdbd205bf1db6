package compute

import (
	"reflect"
	"testing"

	"lattice-backend/internal/docstore"
)

func frag(table, record, field string, value any) Fragment {
	return Fragment{
		Unit:   Seed{Table: table, Record: record, Field: field},
		Table:  table,
		Record: record,
		Ops:    []docstore.Op{{Field: field, Value: value}},
	}
}

func TestComposeMergesPerRecord(t *testing.T) {
	set := Compose([]Fragment{
		frag("orders", "ord1", "o_total", float64(30)),
		frag("orders", "ord1", "o_tax", float64(60)),
		frag("items", "i1", "i_order_count", 1),
	})

	ops := set.Tables["orders"]["ord1"]
	want := []docstore.Op{
		{Field: "o_total", Value: float64(30)},
		{Field: "o_tax", Value: float64(60)},
	}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("expected %v, got %v", want, ops)
	}
	if len(set.Tables["items"]["i1"]) != 1 {
		t.Fatalf("expected one op for i1, got %v", set.Tables["items"]["i1"])
	}
}

func TestComposeLaterWriteSupersedesEarlier(t *testing.T) {
	set := Compose([]Fragment{
		frag("orders", "ord1", "o_total", float64(10)),
		frag("orders", "ord1", "o_tax", float64(20)),
		frag("orders", "ord1", "o_total", float64(30)),
	})

	ops := set.Tables["orders"]["ord1"]
	want := []docstore.Op{
		{Field: "o_tax", Value: float64(20)},
		{Field: "o_total", Value: float64(30)},
	}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("expected superseded op dropped, got %v", ops)
	}

	// Every input fragment stays inspectable.
	if len(set.History) != 3 {
		t.Fatalf("expected 3 history fragments, got %d", len(set.History))
	}
}

func TestComposeRecordsDeterministicOrder(t *testing.T) {
	set := Compose([]Fragment{
		frag("orders", "ord2", "o_total", float64(1)),
		frag("items", "i2", "i_order_count", 0),
		frag("orders", "ord1", "o_total", float64(2)),
		frag("items", "i1", "i_order_count", 1),
	})

	recs := set.Records()
	want := []struct{ Table, Record string }{
		{"items", "i1"}, {"items", "i2"}, {"orders", "ord1"}, {"orders", "ord2"},
	}
	if !reflect.DeepEqual(recs, want) {
		t.Fatalf("expected %v, got %v", want, recs)
	}
}

func TestComposeEmpty(t *testing.T) {
	if !Compose(nil).Empty() {
		t.Fatal("expected empty set")
	}
	if Compose([]Fragment{frag("orders", "ord1", "o_total", float64(1))}).Empty() {
		t.Fatal("expected non-empty set")
	}
}
