package compute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
	"lattice-backend/internal/instrument"
	"lattice-backend/internal/metadata"
)

// GatewayConfig holds the compute engine's runtime knobs.
type GatewayConfig struct {
	MaxRetries  int           // bounded retries of a pass on apply conflict
	QueueSize   int           // per-table task queue capacity
	Workers     int           // max passes running concurrently across all tables
	EvalTimeout time.Duration // per-unit formula evaluation bound
}

// Gateway subscribes to post-commit domain events and drives the
// recomputation pipeline: extract, plan, evaluate, compose, apply.
//
// Each event becomes one asynchronous task, scheduled exactly once. Tasks
// are serialized per (base, table) — they share graph state and may race on
// the same records — while tasks for different tenants run fully in
// parallel. A task runs to completion, failure, or retry exhaustion; there
// is no external cancellation.
type Gateway struct {
	reg       *metadata.Registry
	graph     *Graph
	docs      docstore.Store
	extractor *Extractor
	evaluator *Evaluator
	applier   *Applier
	cfg       GatewayConfig
	sem       chan struct{}
	inst      instrument.Instrumenter

	mu      sync.Mutex
	queues  map[string]chan events.Event
	stopped bool
	wg      sync.WaitGroup
}

func NewGateway(reg *metadata.Registry, graph *Graph, docs docstore.Store, cfg GatewayConfig) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Gateway{
		reg:       reg,
		graph:     graph,
		docs:      docs,
		extractor: NewExtractor(reg, docs),
		evaluator: NewEvaluator(reg, docs, cfg.EvalTimeout),
		applier:   NewApplier(docs),
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Workers),
		inst:      &instrument.NoopInstrumenter{},
		queues:    make(map[string]chan events.Event),
	}
}

// SetInstrumenter installs the tracer used by recomputation passes. Passes
// run on worker goroutines with fresh contexts, so the request-scoped
// instrumenter never reaches them; the gateway carries its own.
func (g *Gateway) SetInstrumenter(inst instrument.Instrumenter) {
	g.inst = inst
}

// Register subscribes the gateway to every domain event type.
func (g *Gateway) Register(bus *events.Bus) {
	handler := func(ctx context.Context, ev events.Event) { g.enqueue(ctx, ev) }
	for _, t := range []events.Type{
		events.TypeRecordCreated,
		events.TypeRecordUpdated,
		events.TypeRecordDeleted,
		events.TypeFieldCreated,
		events.TypeFieldUpdated,
		events.TypeFieldDeleted,
		events.TypeLinkChanged,
	} {
		bus.Subscribe(t, handler)
	}
}

// Stop closes all task queues and waits for in-flight passes to finish.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	for _, q := range g.queues {
		close(q)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) enqueue(ctx context.Context, ev events.Event) {
	key := taskKey(ev)

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		log.Printf("WARN: compute gateway stopped, dropping %s for %s", ev.EventType(), key)
		return
	}
	q := g.queues[key]
	if q == nil {
		q = make(chan events.Event, g.cfg.QueueSize)
		g.queues[key] = q
		g.wg.Add(1)
		go g.worker(key, q)
	}
	g.mu.Unlock()

	// Block rather than drop: every committed event must be scheduled
	// exactly once.
	q <- ev
}

func (g *Gateway) worker(key string, q chan events.Event) {
	defer g.wg.Done()
	for ev := range q {
		// Each (base, table) queue is serial on its own, but the pool of
		// queues shares a global bound on passes in flight.
		g.sem <- struct{}{}
		err := g.runPass(context.Background(), ev)
		<-g.sem
		if err != nil {
			log.Printf("ERROR: recomputation pass for %s on %s: %v", ev.EventType(), key, err)
		}
	}
}

// taskKey serializes work per (base, table).
func taskKey(ev events.Event) string {
	switch e := ev.(type) {
	case events.RecordCreated:
		return e.Base + "/" + e.Table
	case events.RecordUpdated:
		return e.Base + "/" + e.Table
	case events.RecordDeleted:
		return e.Base + "/" + e.Table
	case events.FieldCreated:
		return e.Base + "/" + e.Table
	case events.FieldUpdated:
		return e.Base + "/" + e.Table
	case events.FieldDeleted:
		return e.Base + "/" + e.Table
	case events.LinkChanged:
		return e.Base + "/" + e.Table
	}
	return ev.BaseID()
}

func transactionKey(ev events.Event) string {
	switch e := ev.(type) {
	case events.RecordCreated:
		return e.TransactionKey
	case events.RecordUpdated:
		return e.TransactionKey
	case events.RecordDeleted:
		return e.TransactionKey
	case events.FieldCreated:
		return e.TransactionKey
	case events.FieldUpdated:
		return e.TransactionKey
	case events.FieldDeleted:
		return e.TransactionKey
	case events.LinkChanged:
		return e.TransactionKey
	}
	return ""
}

// runPass executes one full recomputation pass for one event, retrying from
// extraction on apply conflicts and stale graph snapshots, up to the bound.
func (g *Gateway) runPass(ctx context.Context, ev events.Event) error {
	if instrument.GetTraceID(ctx) == "" {
		ctx = instrument.WithTraceID(ctx, uuid.New().String())
	}
	ctx = instrument.WithInstrumenter(ctx, g.inst)
	ctx, span := g.inst.StartSpan(ctx, "compute", "gateway", "compute.pass")
	defer span.End()
	span.SetMetadata("event_type", string(ev.EventType()))

	txKey := transactionKey(ev)
	if txKey == "" {
		txKey = "tx_" + uuid.New().String()
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		err := g.runOnce(ctx, ev, txKey)
		if err == nil {
			span.SetStatus("ok")
			span.SetMetadata("attempts", attempt+1)
			return nil
		}
		if errors.Is(err, docstore.ErrConflict) || errors.Is(err, ErrStaleGraph) {
			lastErr = err
			continue
		}
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return err
	}

	span.SetStatus("error")
	span.SetMetadata("error", lastErr.Error())
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, g.cfg.MaxRetries+1, lastErr)
}

func (g *Gateway) runOnce(ctx context.Context, ev events.Event, txKey string) error {
	snap := g.graph.Snapshot()

	ext, err := g.extractor.Extract(ctx, snap, ev)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if len(ext.Seeds) == 0 && len(ext.Retracts) == 0 {
		return nil
	}

	plan, err := BuildPlan(ctx, ext.Seeds, snap, g.extractor)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	// Structural changes landed while planning; the plan may mix old and new
	// edges. Re-run against a fresh snapshot.
	if g.graph.Version() != snap.Version {
		return ErrStaleGraph
	}

	fragments := retractFragments(ext.Retracts)
	evaluated, versions, err := g.evaluator.Run(ctx, plan)
	if err != nil {
		return err
	}
	fragments = append(fragments, evaluated...)

	composed := Compose(fragments)
	if composed.Empty() {
		return nil
	}
	return g.applier.Apply(ctx, composed, txKey, versions)
}

// retractFragments turns field-deletion removal instructions into retraction
// ops, ordered before any recomputation output.
func retractFragments(retracts []Seed) []Fragment {
	fragments := make([]Fragment, 0, len(retracts))
	for _, r := range retracts {
		fragments = append(fragments, Fragment{
			Unit:   r,
			Table:  r.Table,
			Record: r.Record,
			Ops:    []docstore.Op{{Field: r.Field, Retract: true}},
		})
	}
	return fragments
}
