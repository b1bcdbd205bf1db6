package metadata

import (
	"sort"
	"sync"
)

// Registry is the in-memory field metadata store. It is rebuilt from the
// _tables/_fields system tables at startup and mutated in place by the admin
// surface on structural changes. Reads take the shared lock; every mutation
// bumps a monotonic version so consumers holding a derived snapshot (the
// dependency graph, a recomputation pass) can detect staleness.
type Registry struct {
	mu            sync.RWMutex
	version       uint64
	tables        map[string]*Table
	fields        map[string]*Field   // keyed by field ID
	fieldsByTable map[string][]*Field // insertion order per table
}

func NewRegistry() *Registry {
	return &Registry{
		tables:        make(map[string]*Table),
		fields:        make(map[string]*Field),
		fieldsByTable: make(map[string][]*Field),
	}
}

// Version returns the current metadata version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// GetTable returns the table with the given ID, or nil.
func (r *Registry) GetTable(id string) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[id]
}

// GetField returns the field with the given ID, or nil.
func (r *Registry) GetField(id string) *Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields[id]
}

// FieldsForTable returns the fields of a table sorted by field ID.
func (r *Registry) FieldsForTable(tableID string) []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := make([]*Field, len(r.fieldsByTable[tableID]))
	copy(fields, r.fieldsByTable[tableID])
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields
}

// DerivedFieldsForTable returns the derived fields of a table sorted by ID.
func (r *Registry) DerivedFieldsForTable(tableID string) []*Field {
	all := r.FieldsForTable(tableID)
	derived := all[:0]
	for _, f := range all {
		if f.Derived() {
			derived = append(derived, f)
		}
	}
	return derived
}

// AllTables returns every registered table.
func (r *Registry) AllTables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })
	return tables
}

// AllFields returns every registered field sorted by ID.
func (r *Registry) AllFields() []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := make([]*Field, 0, len(r.fields))
	for _, f := range r.fields {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields
}

// UpsertTable registers or replaces a table.
func (r *Registry) UpsertTable(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.ID] = t
	r.version++
}

// UpsertField registers or replaces a field definition.
func (r *Registry) UpsertField(f *Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.fields[f.ID]; old != nil {
		list := r.fieldsByTable[old.Table]
		for i, existing := range list {
			if existing.ID == f.ID {
				r.fieldsByTable[old.Table] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	r.fields[f.ID] = f
	r.fieldsByTable[f.Table] = append(r.fieldsByTable[f.Table], f)
	r.version++
}

// RemoveField unregisters a field. Returns the removed field, or nil.
func (r *Registry) RemoveField(fieldID string) *Field {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.fields[fieldID]
	if f == nil {
		return nil
	}
	delete(r.fields, fieldID)
	list := r.fieldsByTable[f.Table]
	for i, existing := range list {
		if existing.ID == fieldID {
			r.fieldsByTable[f.Table] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.version++
	return f
}

// Load replaces all tables and fields. Called during startup.
func (r *Registry) Load(tables []*Table, fields []*Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tables = make(map[string]*Table, len(tables))
	for _, t := range tables {
		r.tables[t.ID] = t
	}

	r.fields = make(map[string]*Field, len(fields))
	r.fieldsByTable = make(map[string][]*Field)
	for _, f := range fields {
		r.fields[f.ID] = f
		r.fieldsByTable[f.Table] = append(r.fieldsByTable[f.Table], f)
	}
	r.version++
}
