package compute

import (
	"context"
	"errors"
	"fmt"

	"lattice-backend/internal/docstore"
)

// Applier submits a composed operation set into the document store under the
// originating edit's transaction key, so the store's operational-transform
// layer exposes the recomputed values and the user's edit as one atomic
// collaborative change.
type Applier struct {
	docs docstore.Store
}

func NewApplier(docs docstore.Store) *Applier {
	return &Applier{docs: docs}
}

// Apply submits every record's operations. versions holds the document
// versions captured when the pass read each record; a record that advanced
// since then fails with docstore.ErrConflict, which the gateway turns into a
// full re-pass. Records the pass never read (pure retractions) are submitted
// unconditionally.
func (a *Applier) Apply(ctx context.Context, set *ComposedSet, txKey string, versions map[string]int64) error {
	for _, rec := range set.Records() {
		ops := set.Tables[rec.Table][rec.Record]
		if len(ops) == 0 {
			continue
		}

		expected := docstore.NoVersionCheck
		if v, ok := versions[docKey(rec.Table, rec.Record)]; ok {
			expected = v
		}

		_, err := a.docs.SubmitOp(ctx, rec.Table, rec.Record, ops, docstore.Meta{
			TransactionKey:  txKey,
			Actor:           "compute",
			ExpectedVersion: expected,
		})
		if err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				return err
			}
			return fmt.Errorf("apply %s/%s: %w", rec.Table, rec.Record, err)
		}
	}
	return nil
}
