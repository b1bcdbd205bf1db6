package compute

import (
	"context"
	"testing"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
)

func TestExtractRecordUpdatedSeedsForeignDependents(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	x := NewExtractor(reg, docs)

	ext, err := x.Extract(context.Background(), g.Snapshot(), events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i1", Changed: []string{"i_price"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	// ord1 links i1, so its rollup is dirty.
	if !hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord1", Field: "o_total"}) {
		t.Fatalf("expected ord1.o_total seed, got %v", ext.Seeds)
	}
	// Downstream units are the planner's job, not extraction's.
	if hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord1", Field: "o_tax"}) {
		t.Fatalf("extraction should not expand transitively, got %v", ext.Seeds)
	}
}

func TestExtractRecordUpdatedUnlinkedRecordSeedsNothing(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	mustSubmit(t, docs, context.Background(), "items", "i3",
		[]docstore.Op{{Field: "i_price", Value: float64(99)}},
		docstore.Meta{Actor: "test", ExpectedVersion: docstore.NoVersionCheck})
	x := NewExtractor(reg, docs)

	ext, err := x.Extract(context.Background(), g.Snapshot(), events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i3", Changed: []string{"i_price"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(ext.Seeds) != 0 {
		t.Fatalf("no order links i3, expected no seeds, got %v", ext.Seeds)
	}
}

func TestExtractRecordCreatedSeedsOwnDerivedFields(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	x := NewExtractor(reg, docs)

	ext, err := x.Extract(context.Background(), g.Snapshot(), events.RecordCreated{
		Base: "b1", Table: "orders", Record: "ord2", Fields: []string{"o_name"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, field := range []string{"o_total", "o_tax"} {
		if !hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord2", Field: field}) {
			t.Fatalf("expected ord2.%s seed on create, got %v", field, ext.Seeds)
		}
	}
}

func TestExtractLinkChangedSeedsBothSides(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	x := NewExtractor(reg, docs)

	ext, err := x.Extract(context.Background(), g.Snapshot(), events.LinkChanged{
		Base: "b1", Table: "orders", LinkField: "o_items", Record: "ord1",
		Added: []string{"i2"}, Removed: []string{"i1"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	// Local side: the rollup bound to the changed link.
	if !hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord1", Field: "o_total"}) {
		t.Fatalf("expected ord1.o_total seed, got %v", ext.Seeds)
	}
	// Foreign side: the link-aggregate on both added and removed records.
	for _, rec := range []string{"i1", "i2"} {
		if !hasSeed(ext.Seeds, Seed{Table: "items", Record: rec, Field: "i_order_count"}) {
			t.Fatalf("expected %s.i_order_count seed, got %v", rec, ext.Seeds)
		}
	}
}

func TestExtractFieldDeletedRetractsAndSeedsDependents(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	x := NewExtractor(reg, docs)

	// Dependents are captured by the admin surface before the graph mutation;
	// the event carries them.
	ext, err := x.Extract(context.Background(), g.Snapshot(), events.FieldDeleted{
		Base: "b1", Table: "items", Field: "i_price",
		Dependents: []events.FieldRef{{Table: "orders", Field: "o_total"}},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, rec := range []string{"i1", "i2"} {
		if !hasSeed(ext.Retracts, Seed{Table: "items", Record: rec, Field: "i_price"}) {
			t.Fatalf("expected retract of %s.i_price, got %v", rec, ext.Retracts)
		}
	}
	if !hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord1", Field: "o_total"}) {
		t.Fatalf("expected dependent seed ord1.o_total, got %v", ext.Seeds)
	}
}

func TestExtractRecordDeletedSkipsOwnUnits(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	x := NewExtractor(reg, docs)

	ext, err := x.Extract(context.Background(), g.Snapshot(), events.RecordDeleted{
		Base: "b1", Table: "items", Record: "i1",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if !hasSeed(ext.Seeds, Seed{Table: "orders", Record: "ord1", Field: "o_total"}) {
		t.Fatalf("expected ord1.o_total seed after item deletion, got %v", ext.Seeds)
	}
	for _, s := range ext.Seeds {
		if s.Table == "items" && s.Record == "i1" {
			t.Fatalf("seeded a unit on the deleted record: %v", s)
		}
	}
}
