package compute

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
	"lattice-backend/internal/metadata"
)

// Seed marks one (table, record, field) whose value changed or must be
// recomputed. Seeds are ephemeral, consumed within one pass.
type Seed struct {
	Table  string
	Record string
	Field  string
}

func (s Seed) less(o Seed) bool {
	if s.Table != o.Table {
		return s.Table < o.Table
	}
	if s.Record != o.Record {
		return s.Record < o.Record
	}
	return s.Field < o.Field
}

// Extraction is the normalized output of one domain event: the derived units
// to recompute plus, for a field deletion, the units whose stored value must
// be retracted.
type Extraction struct {
	Seeds    []Seed
	Retracts []Seed
}

// Extractor turns domain events into dirty seeds. It resolves cross-table
// dependencies through the document store: a foreign edge fans out to the
// records on the other side of the link it traverses.
type Extractor struct {
	reg  *metadata.Registry
	docs docstore.Store
}

func NewExtractor(reg *metadata.Registry, docs docstore.Store) *Extractor {
	return &Extractor{reg: reg, docs: docs}
}

// Extract produces dirty seeds for one event against one graph snapshot.
func (x *Extractor) Extract(ctx context.Context, snap *Snapshot, ev events.Event) (Extraction, error) {
	switch e := ev.(type) {
	case events.RecordCreated:
		return x.extractRecordWrite(ctx, snap, e.Table, e.Record, e.Fields, true)
	case events.RecordUpdated:
		return x.extractRecordWrite(ctx, snap, e.Table, e.Record, e.Changed, false)
	case events.RecordDeleted:
		return x.extractRecordDeleted(ctx, snap, e.Table, e.Record)
	case events.FieldCreated:
		return x.extractFieldChange(ctx, snap, e.Table, e.Field)
	case events.FieldUpdated:
		return x.extractFieldChange(ctx, snap, e.Table, e.Field)
	case events.FieldDeleted:
		return x.extractFieldDeleted(ctx, e.Table, e.Field, e.Dependents)
	case events.LinkChanged:
		return x.extractLinkChanged(ctx, e)
	}
	return Extraction{}, fmt.Errorf("unhandled event type %s", ev.EventType())
}

// extractRecordWrite seeds the dependents of every changed field. On create,
// the record's own derived fields are seeded too so they get an initial
// value.
func (x *Extractor) extractRecordWrite(ctx context.Context, snap *Snapshot, table, record string, changed []string, isCreate bool) (Extraction, error) {
	var seeds []Seed

	if isCreate {
		for _, f := range x.reg.DerivedFieldsForTable(table) {
			seeds = append(seeds, Seed{Table: table, Record: record, Field: f.ID})
		}
	}

	for _, fieldID := range changed {
		deps, err := x.DependentUnits(ctx, snap, Seed{Table: table, Record: record, Field: fieldID})
		if err != nil {
			return Extraction{}, err
		}
		seeds = append(seeds, deps...)
	}

	return Extraction{Seeds: dedupSeeds(seeds)}, nil
}

// extractRecordDeleted seeds everything that depended on any field of the
// deleted record. The record itself is gone; rollups that still hold its ID
// skip the dangling link on evaluation.
func (x *Extractor) extractRecordDeleted(ctx context.Context, snap *Snapshot, table, record string) (Extraction, error) {
	var seeds []Seed
	for _, f := range x.reg.FieldsForTable(table) {
		deps, err := x.DependentUnits(ctx, snap, Seed{Table: table, Record: record, Field: f.ID})
		if err != nil {
			return Extraction{}, err
		}
		seeds = append(seeds, deps...)
	}
	// Units on the deleted record itself are meaningless now.
	kept := seeds[:0]
	for _, s := range seeds {
		if s.Table == table && s.Record == record {
			continue
		}
		kept = append(kept, s)
	}
	return Extraction{Seeds: dedupSeeds(kept)}, nil
}

// extractFieldChange seeds the new or altered field on every existing record
// of its table, plus everything that already depends on it, so lookups and
// rollups elsewhere recompute even though no record value literally changed.
func (x *Extractor) extractFieldChange(ctx context.Context, snap *Snapshot, table, fieldID string) (Extraction, error) {
	ids, err := x.docs.ListIDs(ctx, table)
	if err != nil {
		return Extraction{}, fmt.Errorf("list records of %s: %w", table, err)
	}

	field := x.reg.GetField(fieldID)
	var seeds []Seed
	for _, id := range ids {
		if field != nil && field.Derived() {
			seeds = append(seeds, Seed{Table: table, Record: id, Field: fieldID})
		}
		deps, err := x.DependentUnits(ctx, snap, Seed{Table: table, Record: id, Field: fieldID})
		if err != nil {
			return Extraction{}, err
		}
		seeds = append(seeds, deps...)
	}
	return Extraction{Seeds: dedupSeeds(seeds)}, nil
}

// extractFieldDeleted retracts the deleted field's stored values and seeds
// every captured dependent on every record of its table. Dependents then
// evaluate to a broken-reference error value rather than keeping a stale
// result.
func (x *Extractor) extractFieldDeleted(ctx context.Context, table, fieldID string, dependents []events.FieldRef) (Extraction, error) {
	ids, err := x.docs.ListIDs(ctx, table)
	if err != nil {
		return Extraction{}, fmt.Errorf("list records of %s: %w", table, err)
	}
	var retracts []Seed
	for _, id := range ids {
		retracts = append(retracts, Seed{Table: table, Record: id, Field: fieldID})
	}

	var seeds []Seed
	for _, dep := range dependents {
		depIDs, err := x.docs.ListIDs(ctx, dep.Table)
		if err != nil {
			return Extraction{}, fmt.Errorf("list records of %s: %w", dep.Table, err)
		}
		for _, id := range depIDs {
			seeds = append(seeds, Seed{Table: dep.Table, Record: id, Field: dep.Field})
		}
	}
	return Extraction{Seeds: dedupSeeds(seeds), Retracts: dedupSeeds(retracts)}, nil
}

// extractLinkChanged seeds rollup/lookup fields on the local record and
// link-aggregate fields on the affected records on the other side.
func (x *Extractor) extractLinkChanged(ctx context.Context, ev events.LinkChanged) (Extraction, error) {
	link := x.reg.GetField(ev.LinkField)
	if link == nil {
		return Extraction{}, fmt.Errorf("link field %s not found", ev.LinkField)
	}

	var seeds []Seed
	for _, f := range x.reg.DerivedFieldsForTable(ev.Table) {
		if (f.Kind == metadata.KindRollup || f.Kind == metadata.KindLookup) && f.LinkField == ev.LinkField {
			seeds = append(seeds, Seed{Table: ev.Table, Record: ev.Record, Field: f.ID})
		}
	}

	foreign := append(append([]string(nil), ev.Added...), ev.Removed...)
	for _, f := range x.reg.DerivedFieldsForTable(link.TargetTable) {
		if f.Kind == metadata.KindLinkAggregate && f.LinkField == ev.LinkField {
			for _, rec := range foreign {
				seeds = append(seeds, Seed{Table: link.TargetTable, Record: rec, Field: f.ID})
			}
		}
	}
	return Extraction{Seeds: dedupSeeds(seeds)}, nil
}

// DependentUnits resolves the dependents of one unit into concrete units,
// fanning foreign edges out to the records on the other side of the link.
// Also used by the scheduler during breadth-first plan expansion.
func (x *Extractor) DependentUnits(ctx context.Context, snap *Snapshot, unit Seed) ([]Seed, error) {
	var out []Seed
	for _, e := range snap.EdgesFrom(Ref{Table: unit.Table, Field: unit.Field}) {
		switch e.Kind {
		case EdgeSameTable:
			out = append(out, Seed{Table: e.To.Table, Record: unit.Record, Field: e.To.Field})
		case EdgeForeign:
			records, err := x.affectedForeignRecords(ctx, e, unit)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				out = append(out, Seed{Table: e.To.Table, Record: rec, Field: e.To.Field})
			}
		}
	}
	return dedupSeeds(out), nil
}

// affectedForeignRecords answers: given a change on unit and a foreign edge
// leaving it, which records of the dependent table are affected?
//
// Two shapes exist. For rollup/lookup the dependent lives in the link's own
// table and the change happened in the link's target table, so the affected
// records are those whose link set contains the changed record. For
// link-aggregate the dependent lives in the link's target table and the
// change happened alongside the link field, so the affected records are the
// ones the changed record links to.
func (x *Extractor) affectedForeignRecords(ctx context.Context, e Edge, unit Seed) ([]string, error) {
	link := x.reg.GetField(e.Link)
	if link == nil {
		return nil, nil
	}

	if e.To.Table == link.Table {
		// Dependent holds the link; scan for membership of the changed record.
		docs, err := x.docs.List(ctx, link.Table)
		if err != nil {
			return nil, fmt.Errorf("list records of %s: %w", link.Table, err)
		}
		var out []string
		for _, d := range docs {
			if containsID(d.Data[link.ID], unit.Record) {
				out = append(out, d.ID)
			}
		}
		return out, nil
	}

	// Dependent is in the link's target table; follow the changed record's
	// link set forward.
	doc, err := x.docs.Get(ctx, link.Table, unit.Record)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %s/%s: %w", link.Table, unit.Record, err)
	}
	return linkedIDs(doc.Data[link.ID]), nil
}

// linkedIDs normalizes a stored link value into record IDs.
func linkedIDs(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	}
	return nil
}

func containsID(v any, id string) bool {
	for _, linked := range linkedIDs(v) {
		if linked == id {
			return true
		}
	}
	return false
}

func dedupSeeds(seeds []Seed) []Seed {
	if len(seeds) == 0 {
		return nil
	}
	seen := make(map[Seed]bool, len(seeds))
	out := seeds[:0]
	for _, s := range seeds {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}
