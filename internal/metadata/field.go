package metadata

import "fmt"

// FieldKind is the closed set of field kinds. Derived kinds (everything
// except primitive and link) carry a reference set and are recomputed by the
// compute engine when their sources change.
type FieldKind string

const (
	KindPrimitive     FieldKind = "primitive"
	KindLink          FieldKind = "link"
	KindFormula       FieldKind = "formula"
	KindRollup        FieldKind = "rollup"
	KindLookup        FieldKind = "lookup"
	KindLinkAggregate FieldKind = "link_aggregate"
)

// ParseFieldKind validates a kind string coming from the API or the _fields table.
func ParseFieldKind(s string) (FieldKind, error) {
	switch FieldKind(s) {
	case KindPrimitive, KindLink, KindFormula, KindRollup, KindLookup, KindLinkAggregate:
		return FieldKind(s), nil
	}
	return "", fmt.Errorf("unknown field kind: %s", s)
}

// Field is one column of a table.
//
// For kind=formula, Expression and References describe the same-table fields
// the formula reads. For kind=rollup/lookup, LinkField names a link field in
// the same table and ForeignField a field in that link's target table. For
// kind=link_aggregate, LinkField names a link field in the foreign table that
// points back at this table, and ForeignField the foreign field to aggregate.
type Field struct {
	ID    string    `json:"id"`
	Table string    `json:"table"`
	Name  string    `json:"name"`
	Kind  FieldKind `json:"kind"`
	Type  string    `json:"type,omitempty"` // number, text, boolean, date

	// link
	TargetTable string `json:"target_table,omitempty"`

	// formula
	Expression string   `json:"expression,omitempty"`
	References []string `json:"references,omitempty"`

	// rollup / lookup / link_aggregate
	LinkField    string `json:"link_field,omitempty"`
	ForeignTable string `json:"foreign_table,omitempty"`
	ForeignField string `json:"foreign_field,omitempty"`
	Aggregator   string `json:"aggregator,omitempty"`
}

// Derived reports whether the field's value is computed rather than entered.
func (f *Field) Derived() bool {
	switch f.Kind {
	case KindFormula, KindRollup, KindLookup, KindLinkAggregate:
		return true
	}
	return false
}

// Validate checks structural completeness of the definition. Cycle checking
// is the dependency graph's job, not done here.
func (f *Field) Validate() error {
	if f.ID == "" || f.Table == "" {
		return fmt.Errorf("field requires id and table")
	}
	if _, err := ParseFieldKind(string(f.Kind)); err != nil {
		return err
	}
	switch f.Kind {
	case KindLink:
		if f.TargetTable == "" {
			return fmt.Errorf("link field %s requires target_table", f.ID)
		}
	case KindFormula:
		if f.Expression == "" {
			return fmt.Errorf("formula field %s requires expression", f.ID)
		}
	case KindRollup, KindLookup, KindLinkAggregate:
		if f.LinkField == "" || f.ForeignField == "" {
			return fmt.Errorf("%s field %s requires link_field and foreign_field", f.Kind, f.ID)
		}
	}
	return nil
}

// Table is one table of a base (tenant workspace).
type Table struct {
	ID   string `json:"id"`
	Base string `json:"base"`
	Name string `json:"name"`
}
