package compute

import (
	"sort"

	"lattice-backend/internal/docstore"
)

// Fragment is the operation output of one evaluator run over one record.
type Fragment struct {
	Unit   Seed
	Table  string
	Record string
	Ops    []docstore.Op
}

// ComposedSet is the merge of all fragments of one pass. Tables holds the
// final per-record operation lists; History retains every input fragment in
// production order so superseded writes stay inspectable.
type ComposedSet struct {
	Tables  map[string]map[string][]docstore.Op
	History []Fragment
}

// Compose merges fragments in the order the plan produced them. Within one
// (table, record), a field written by a later fragment supersedes the
// earlier write: plan order already encodes dependency order, so the later
// value is the authoritative one. The superseded op is dropped from the
// final list (moved to history), and the surviving ops keep the relative
// order in which their authoritative versions were produced. Ops for
// different records are never reordered relative to their own record's list.
func Compose(fragments []Fragment) *ComposedSet {
	set := &ComposedSet{
		Tables:  make(map[string]map[string][]docstore.Op),
		History: fragments,
	}

	type slot struct{ table, record, field string }
	positions := make(map[slot]int)

	for _, frag := range fragments {
		records := set.Tables[frag.Table]
		if records == nil {
			records = make(map[string][]docstore.Op)
			set.Tables[frag.Table] = records
		}
		ops := records[frag.Record]

		for _, op := range frag.Ops {
			key := slot{frag.Table, frag.Record, op.Field}
			if idx, seen := positions[key]; seen {
				// Later fragment wins; drop the earlier op in place.
				ops = append(ops[:idx], ops[idx+1:]...)
				for k, pos := range positions {
					if k.table == frag.Table && k.record == frag.Record && pos > idx {
						positions[k] = pos - 1
					}
				}
			}
			positions[key] = len(ops)
			ops = append(ops, op)
		}
		records[frag.Record] = ops
	}

	return set
}

// Records returns the composed set's (table, record) pairs in deterministic
// order for submission.
func (s *ComposedSet) Records() []struct{ Table, Record string } {
	var out []struct{ Table, Record string }
	for table, records := range s.Tables {
		for record := range records {
			out = append(out, struct{ Table, Record string }{table, record})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Record < out[j].Record
	})
	return out
}

// Empty reports whether the set contains no operations.
func (s *ComposedSet) Empty() bool {
	for _, records := range s.Tables {
		for _, ops := range records {
			if len(ops) > 0 {
				return false
			}
		}
	}
	return true
}
