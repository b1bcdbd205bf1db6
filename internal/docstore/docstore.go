package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a submission's expected version no longer
	// matches the document; the caller must re-read and retry.
	ErrConflict = errors.New("document version conflict")
	// ErrPersistence wraps op-log persistence failures.
	ErrPersistence = errors.New("op log persistence failed")
)

// Op is one field assignment (or retraction) inside a document submission.
type Op struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Retract bool   `json:"retract,omitempty"`
}

// Meta carries submission metadata. TransactionKey groups multiple
// submissions into one atomic, ordered change: every submission tagged with
// the same key is exposed to observers as a single logical transaction.
// ExpectedVersion, when >= 0, makes the submission conditional on the
// document still being at that version.
type Meta struct {
	TransactionKey  string
	Actor           string
	ExpectedVersion int64
}

// NoVersionCheck marks a submission as unconditional.
const NoVersionCheck int64 = -1

// Doc is a snapshot of one document.
type Doc struct {
	Collection string
	ID         string
	Version    int64
	Data       map[string]any
}

// LogEntry is one committed submission in the append-only op log.
type LogEntry struct {
	Seq            int64
	TransactionKey string
	Collection     string
	DocID          string
	Ops            []Op
	Deleted        bool
	Version        int64
	At             time.Time
}

// Persister receives committed log entries for durable storage.
type Persister interface {
	Append(ctx context.Context, entry LogEntry) error
}

// Store is the document store contract the compute engine depends on.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Doc, error)
	List(ctx context.Context, collection string) ([]*Doc, error)
	ListIDs(ctx context.Context, collection string) ([]string, error)
	SubmitOp(ctx context.Context, collection, id string, ops []Op, meta Meta) (*Doc, error)
	Delete(ctx context.Context, collection, id string, meta Meta) error
}

type docState struct {
	version int64
	data    map[string]any
}

// MemStore is the in-memory Store implementation. Documents are versioned;
// a conditional submission against a stale version fails with ErrConflict
// instead of silently overwriting a concurrent change. Committed submissions
// are appended to an in-memory op log, and optionally to a Persister, before
// the new version becomes visible.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*docState
	log         []LogEntry
	byTx        map[string][]int64 // transaction key -> log seqs
	seq         int64
	persister   Persister
}

func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]map[string]*docState),
		byTx:        make(map[string][]int64),
	}
}

// SetPersister attaches a durable op-log sink. Must be called before the
// store is shared across goroutines.
func (s *MemStore) SetPersister(p Persister) {
	s.persister = p
}

// Get returns a copy of the document, or ErrNotFound.
func (s *MemStore) Get(ctx context.Context, collection, id string) (*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.collections[collection][id]
	if st == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return &Doc{Collection: collection, ID: id, Version: st.version, Data: copyData(st.data)}, nil
}

// List returns copies of every document in a collection, sorted by ID.
func (s *MemStore) List(ctx context.Context, collection string) ([]*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collections[collection]
	docs := make([]*Doc, 0, len(coll))
	for id, st := range coll {
		docs = append(docs, &Doc{Collection: collection, ID: id, Version: st.version, Data: copyData(st.data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// ListIDs returns every document ID in a collection, sorted.
func (s *MemStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SubmitOp applies ops to a document, creating it if absent. On version
// mismatch nothing is applied and ErrConflict is returned. The committed
// entry is logged (and persisted) while still holding the write lock, so
// observers reading the log see transactions in commit order.
func (s *MemStore) SubmitOp(ctx context.Context, collection, id string, ops []Op, meta Meta) (*Doc, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty op list for %s/%s", collection, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]*docState)
		s.collections[collection] = coll
	}
	st := coll[id]
	created := false
	if st == nil {
		if meta.ExpectedVersion > 0 {
			return nil, fmt.Errorf("%s/%s expected v%d, document absent: %w", collection, id, meta.ExpectedVersion, ErrConflict)
		}
		st = &docState{data: make(map[string]any)}
		coll[id] = st
		created = true
	} else if meta.ExpectedVersion >= 0 && meta.ExpectedVersion != st.version {
		return nil, fmt.Errorf("%s/%s expected v%d, at v%d: %w", collection, id, meta.ExpectedVersion, st.version, ErrConflict)
	}

	// Log (and persist) before mutating, so a failed append leaves the
	// document untouched.
	if err := s.appendLocked(ctx, LogEntry{
		TransactionKey: meta.TransactionKey,
		Collection:     collection,
		DocID:          id,
		Ops:            ops,
		Version:        st.version + 1,
	}); err != nil {
		if created {
			delete(coll, id)
		}
		return nil, err
	}

	for _, op := range ops {
		if op.Retract {
			delete(st.data, op.Field)
			continue
		}
		st.data[op.Field] = op.Value
	}
	st.version++

	return &Doc{Collection: collection, ID: id, Version: st.version, Data: copyData(st.data)}, nil
}

// Delete removes a document, or returns ErrNotFound.
func (s *MemStore) Delete(ctx context.Context, collection, id string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	st := coll[id]
	if st == nil {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if meta.ExpectedVersion >= 0 && meta.ExpectedVersion != st.version {
		return fmt.Errorf("%s/%s expected v%d, at v%d: %w", collection, id, meta.ExpectedVersion, st.version, ErrConflict)
	}
	if err := s.appendLocked(ctx, LogEntry{
		TransactionKey: meta.TransactionKey,
		Collection:     collection,
		DocID:          id,
		Deleted:        true,
		Version:        st.version + 1,
	}); err != nil {
		return err
	}

	delete(coll, id)
	return nil
}

func (s *MemStore) appendLocked(ctx context.Context, entry LogEntry) error {
	entry.Seq = s.seq + 1
	entry.At = time.Now().UTC()

	if s.persister != nil {
		if err := s.persister.Append(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	s.seq = entry.Seq
	s.log = append(s.log, entry)
	if entry.TransactionKey != "" {
		s.byTx[entry.TransactionKey] = append(s.byTx[entry.TransactionKey], entry.Seq)
	}
	return nil
}

// OpsForTransaction returns the committed log entries grouped under one
// transaction key, in commit order.
func (s *MemStore) OpsForTransaction(txKey string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := s.byTx[txKey]
	entries := make([]LogEntry, 0, len(seqs))
	for _, seq := range seqs {
		// Seq is 1-based and the log is append-only.
		entries = append(entries, s.log[seq-1])
	}
	return entries
}

// LogLen returns the number of committed log entries.
func (s *MemStore) LogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
