package compute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
	"lattice-backend/internal/instrument"
	"lattice-backend/internal/metadata"
)

func testGateway(t *testing.T, reg *metadata.Registry, g *Graph, docs docstore.Store) *Gateway {
	t.Helper()
	return NewGateway(reg, g, docs, GatewayConfig{MaxRetries: 2, QueueSize: 8})
}

func getValue(t *testing.T, docs docstore.Store, table, record, field string) any {
	t.Helper()
	doc, err := docs.Get(context.Background(), table, record)
	if err != nil {
		t.Fatalf("get %s/%s: %v", table, record, err)
	}
	return doc.Data[field]
}

func TestGatewayPropagatesPriceChange(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)
	ctx := context.Background()

	mustSubmit(t, docs, ctx, "items", "i1",
		[]docstore.Op{{Field: "i_price", Value: float64(40)}},
		docstore.Meta{TransactionKey: "tx_user", Actor: "user", ExpectedVersion: docstore.NoVersionCheck})

	err := gw.runPass(ctx, events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i1", Changed: []string{"i_price"},
		TransactionKey: "tx_user",
	})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if got := getValue(t, docs, "orders", "ord1", "o_total"); got != float64(60) {
		t.Fatalf("expected o_total=60, got %v", got)
	}
	if got := getValue(t, docs, "orders", "ord1", "o_tax"); got != float64(120) {
		t.Fatalf("expected o_tax=120, got %v", got)
	}

	// The recomputed values share the user's transaction key, so observers
	// see the edit and its consequences as one change.
	entries := docs.OpsForTransaction("tx_user")
	if len(entries) < 2 {
		t.Fatalf("expected user write and derived writes under tx_user, got %d entries", len(entries))
	}
}

func TestGatewayInitializesDerivedFieldsOnCreate(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)
	ctx := context.Background()

	mustSubmit(t, docs, ctx, "orders", "ord2",
		[]docstore.Op{{Field: "o_name", Value: "second"}},
		docstore.Meta{Actor: "user", ExpectedVersion: docstore.NoVersionCheck})

	err := gw.runPass(ctx, events.RecordCreated{
		Base: "b1", Table: "orders", Record: "ord2", Fields: []string{"o_name"},
	})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if got := getValue(t, docs, "orders", "ord2", "o_total"); got != float64(0) {
		t.Fatalf("expected o_total=0 on fresh record, got %v", got)
	}
	if got := getValue(t, docs, "orders", "ord2", "o_tax"); got != float64(0) {
		t.Fatalf("expected o_tax=0 on fresh record, got %v", got)
	}
}

func TestGatewayLinkChangeRecomputesBothSides(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)
	ctx := context.Background()

	mustSubmit(t, docs, ctx, "orders", "ord1",
		[]docstore.Op{{Field: "o_items", Value: []string{"i1"}}},
		docstore.Meta{Actor: "user", ExpectedVersion: docstore.NoVersionCheck})

	err := gw.runPass(ctx, events.LinkChanged{
		Base: "b1", Table: "orders", LinkField: "o_items", Record: "ord1",
		Removed: []string{"i2"},
	})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if got := getValue(t, docs, "orders", "ord1", "o_total"); got != float64(10) {
		t.Fatalf("expected o_total=10 after unlink, got %v", got)
	}
	if got := getValue(t, docs, "items", "i2", "i_order_count"); got != 0 {
		t.Fatalf("expected i2 order count 0 after unlink, got %v", got)
	}
}

func TestGatewayFieldDeletionRetractsAndBreaksDependents(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)
	ctx := context.Background()

	// What the admin surface does on DELETE /api/_fields/i_price: capture
	// dependents, drop the definition and its edges, publish the event.
	refs := g.DependentsOf("items", "i_price")
	dependents := make([]events.FieldRef, 0, len(refs))
	for _, r := range refs {
		dependents = append(dependents, events.FieldRef{Table: r.Table, Field: r.Field})
	}
	reg.RemoveField("i_price")
	g.RemoveField("items", "i_price")

	err := gw.runPass(ctx, events.FieldDeleted{
		Base: "b1", Table: "items", Field: "i_price", Dependents: dependents,
	})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}

	// Stored values are retracted, not left stale.
	doc, err := docs.Get(ctx, "items", "i1")
	if err != nil {
		t.Fatalf("get i1: %v", err)
	}
	if _, present := doc.Data["i_price"]; present {
		t.Fatal("expected i_price retracted from i1")
	}

	// The rollup that read the deleted field now reports the breakage.
	ev, ok := IsErrorValue(getValue(t, docs, "orders", "ord1", "o_total"))
	if !ok {
		t.Fatalf("expected error value in o_total, got %v", getValue(t, docs, "orders", "ord1", "o_total"))
	}
	if ev.Code != ErrCodeBrokenReference {
		t.Fatalf("expected %s, got %s", ErrCodeBrokenReference, ev.Code)
	}

	// And the formula downstream is poisoned rather than stale.
	if _, ok := IsErrorValue(getValue(t, docs, "orders", "ord1", "o_tax")); !ok {
		t.Fatalf("expected error value in o_tax, got %v", getValue(t, docs, "orders", "ord1", "o_tax"))
	}
}

// conflictStore fails every submission with ErrConflict, modelling a document
// that keeps advancing under the pass.
type conflictStore struct {
	docstore.Store
}

func (s *conflictStore) SubmitOp(ctx context.Context, collection, id string, ops []docstore.Op, meta docstore.Meta) (*docstore.Doc, error) {
	return nil, docstore.ErrConflict
}

func TestGatewayRetriesAreBounded(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := &conflictStore{Store: testDocs(t)}
	gw := testGateway(t, reg, g, docs)

	err := gw.runPass(context.Background(), events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i1", Changed: []string{"i_price"},
	})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestGatewayAsyncDispatchThroughBus(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)
	defer gw.Stop()

	bus := events.NewBus()
	gw.Register(bus)
	ctx := context.Background()

	mustSubmit(t, docs, ctx, "items", "i1",
		[]docstore.Op{{Field: "i_price", Value: float64(100)}},
		docstore.Meta{Actor: "user", ExpectedVersion: docstore.NoVersionCheck})
	bus.Publish(ctx, events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i1", Changed: []string{"i_price"},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := docs.Get(ctx, "orders", "ord1")
		if err != nil {
			t.Fatalf("get ord1: %v", err)
		}
		if doc.Data["o_total"] == float64(120) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recomputation did not land within the deadline")
}

// recordingInstrumenter captures spans so pass reporting can be asserted.
type recordingInstrumenter struct {
	mu    sync.Mutex
	spans []*recordingSpan
}

type recordingSpan struct {
	mu     sync.Mutex
	action string
	status string
	ended  bool
}

func (r *recordingInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, instrument.Span) {
	s := &recordingSpan{action: action}
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
	return ctx, s
}

func (r *recordingInstrumenter) EmitBusinessEvent(ctx context.Context, action, table, recordID string, metadata map[string]any) {
}

func (s *recordingSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *recordingSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *recordingSpan) SetMetadata(key string, value any) {}
func (s *recordingSpan) SetEntity(table, recordID string)  {}
func (s *recordingSpan) TraceID() string                   { return "" }
func (s *recordingSpan) SpanID() string                    { return "" }

func TestGatewayPassesReportSpans(t *testing.T) {
	reg := testRegistry()
	g := testGraph(t, reg)
	docs := testDocs(t)
	gw := testGateway(t, reg, g, docs)

	// Passes run on worker goroutines with fresh contexts; the span must come
	// from the gateway's own instrumenter, not the (absent) request context.
	inst := &recordingInstrumenter{}
	gw.SetInstrumenter(inst)
	ctx := context.Background()

	err := gw.runPass(ctx, events.RecordUpdated{
		Base: "b1", Table: "items", Record: "i1", Changed: []string{"i_price"},
		TransactionKey: "tx_span",
	})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}

	var pass *recordingSpan
	for _, s := range inst.spans {
		if s.action == "compute.pass" {
			pass = s
		}
	}
	if pass == nil {
		t.Fatalf("no compute.pass span recorded, got %+v", inst.spans)
	}
	if !pass.ended || pass.status != "ok" {
		t.Fatalf("expected ended ok span, got ended=%v status=%q", pass.ended, pass.status)
	}
}
