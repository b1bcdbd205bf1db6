package compute

import (
	"context"
	"testing"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/metadata"
)

// testRegistry builds the schema used across the compute tests: an orders
// table with a rollup over linked items and a formula on top of the rollup,
// and an items table with a link-aggregate counting the orders that link in.
func testRegistry() *metadata.Registry {
	reg := metadata.NewRegistry()
	reg.Load(
		[]*metadata.Table{
			{ID: "orders", Base: "b1", Name: "Orders"},
			{ID: "items", Base: "b1", Name: "Items"},
		},
		[]*metadata.Field{
			{ID: "o_name", Table: "orders", Name: "Name", Kind: metadata.KindPrimitive, Type: "text"},
			{ID: "o_items", Table: "orders", Name: "Items", Kind: metadata.KindLink, TargetTable: "items"},
			{ID: "o_total", Table: "orders", Name: "Total", Kind: metadata.KindRollup, LinkField: "o_items", ForeignTable: "items", ForeignField: "i_price", Aggregator: "sum"},
			{ID: "o_tax", Table: "orders", Name: "Tax", Kind: metadata.KindFormula, Expression: "record.o_total * 2", References: []string{"o_total"}},
			{ID: "i_price", Table: "items", Name: "Price", Kind: metadata.KindPrimitive, Type: "number"},
			{ID: "i_order_count", Table: "items", Name: "Order Count", Kind: metadata.KindLinkAggregate, LinkField: "o_items", ForeignTable: "orders", ForeignField: "o_name", Aggregator: "count"},
		},
	)
	return reg
}

func testGraph(t *testing.T, reg *metadata.Registry) *Graph {
	t.Helper()
	g := NewGraph()
	for _, err := range g.Rebuild(reg) {
		t.Fatalf("rebuild: %v", err)
	}
	return g
}

// testDocs seeds two items and one order linking both.
func testDocs(t *testing.T) *docstore.MemStore {
	t.Helper()
	docs := docstore.NewMemStore()
	ctx := context.Background()
	meta := docstore.Meta{Actor: "test", ExpectedVersion: docstore.NoVersionCheck}

	mustSubmit(t, docs, ctx, "items", "i1", []docstore.Op{{Field: "i_price", Value: float64(10)}}, meta)
	mustSubmit(t, docs, ctx, "items", "i2", []docstore.Op{{Field: "i_price", Value: float64(20)}}, meta)
	mustSubmit(t, docs, ctx, "orders", "ord1", []docstore.Op{
		{Field: "o_name", Value: "first"},
		{Field: "o_items", Value: []string{"i1", "i2"}},
	}, meta)
	return docs
}

func mustSubmit(t *testing.T, docs *docstore.MemStore, ctx context.Context, table, id string, ops []docstore.Op, meta docstore.Meta) {
	t.Helper()
	if _, err := docs.SubmitOp(ctx, table, id, ops, meta); err != nil {
		t.Fatalf("submit %s/%s: %v", table, id, err)
	}
}

func hasSeed(seeds []Seed, s Seed) bool {
	for _, got := range seeds {
		if got == s {
			return true
		}
	}
	return false
}

func hasRef(refs []Ref, r Ref) bool {
	for _, got := range refs {
		if got == r {
			return true
		}
	}
	return false
}
