package compute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/metadata"
)

// passView is the working set of one recomputation pass. Reads go to the
// document store once per record and are overlaid with values produced
// earlier in the same pass, so a formula scheduled after its source sees the
// new value before anything is applied. The version of every document read
// is captured so the applier can submit conditionally.
type passView struct {
	docs     docstore.Store
	pending  map[string]map[string]any // docKey -> field -> value produced this pass
	versions map[string]int64          // docKey -> version at first read
}

func newPassView(docs docstore.Store) *passView {
	return &passView{
		docs:     docs,
		pending:  make(map[string]map[string]any),
		versions: make(map[string]int64),
	}
}

func docKey(table, record string) string { return table + "/" + record }

// record returns the merged snapshot of one record: stored values overlaid
// with this pass's pending writes.
func (v *passView) record(ctx context.Context, table, record string) (map[string]any, error) {
	doc, err := v.docs.Get(ctx, table, record)
	if err != nil {
		return nil, err
	}
	key := docKey(table, record)
	if _, seen := v.versions[key]; !seen {
		v.versions[key] = doc.Version
	}
	data := doc.Data
	if overlay := v.pending[key]; len(overlay) > 0 {
		for f, val := range overlay {
			data[f] = val
		}
	}
	return data, nil
}

// stage records a value produced by this pass so later units observe it.
func (v *passView) stage(table, record, field string, value any) {
	key := docKey(table, record)
	if v.pending[key] == nil {
		v.pending[key] = make(map[string]any)
	}
	v.pending[key][field] = value
}

// Evaluator computes derived field values. Every evaluation is a pure
// function of the inputs it reads through the pass view: deterministic and
// side-effect free, so the composer may re-run or reorder safely. Compiled
// formula programs are cached here, not on the shared field definitions,
// because passes for different tables can evaluate the same field at once.
type Evaluator struct {
	reg     *metadata.Registry
	docs    docstore.Store
	timeout time.Duration

	progMu   sync.Mutex
	programs map[string]*vm.Program
}

func NewEvaluator(reg *metadata.Registry, docs docstore.Store, timeout time.Duration) *Evaluator {
	return &Evaluator{
		reg:      reg,
		docs:     docs,
		timeout:  timeout,
		programs: make(map[string]*vm.Program),
	}
}

// Run evaluates every unit of the plan in order, producing one operation
// fragment per unit. A unit that fails evaluates to a typed error value and
// does not block its siblings; only infrastructure failures (document store
// errors) abort the run.
func (e *Evaluator) Run(ctx context.Context, plan *Plan) ([]Fragment, map[string]int64, error) {
	view := newPassView(e.docs)
	fragments := make([]Fragment, 0, len(plan.Units))

	for _, unit := range plan.Units {
		field := e.reg.GetField(unit.Field)
		if field == nil || !field.Derived() {
			// Field vanished between planning and evaluation; nothing to write.
			continue
		}

		value, err := e.evaluate(ctx, field, unit, view)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				// Record vanished mid-pass; skip its units.
				continue
			}
			return nil, nil, fmt.Errorf("evaluate %s/%s.%s: %w", unit.Table, unit.Record, unit.Field, err)
		}

		view.stage(unit.Table, unit.Record, unit.Field, value)
		fragments = append(fragments, Fragment{
			Unit:   unit,
			Table:  unit.Table,
			Record: unit.Record,
			Ops:    []docstore.Op{{Field: unit.Field, Value: value}},
		})
	}

	return fragments, view.versions, nil
}

// evaluate dispatches on the closed set of derived kinds. The returned value
// may be an ErrorValue; a non-nil error means infrastructure failure only.
func (e *Evaluator) evaluate(ctx context.Context, field *metadata.Field, unit Seed, view *passView) (any, error) {
	switch field.Kind {
	case metadata.KindFormula:
		return e.evaluateFormula(ctx, field, unit, view)
	case metadata.KindRollup, metadata.KindLookup:
		return e.evaluateRollup(ctx, field, unit, view)
	case metadata.KindLinkAggregate:
		return e.evaluateLinkAggregate(ctx, field, unit, view)
	case metadata.KindPrimitive, metadata.KindLink:
		return nil, fmt.Errorf("field %s kind %s is not derived", field.ID, field.Kind)
	}
	return nil, fmt.Errorf("field %s: unhandled kind %s", field.ID, field.Kind)
}

func (e *Evaluator) evaluateFormula(ctx context.Context, field *metadata.Field, unit Seed, view *passView) (any, error) {
	for _, ref := range field.References {
		if e.reg.GetField(ref) == nil {
			return brokenReference(ref), nil
		}
	}

	record, err := view.record(ctx, unit.Table, unit.Record)
	if err != nil {
		return nil, err
	}
	// A referenced field that itself failed poisons this formula.
	for _, ref := range field.References {
		if ev, ok := IsErrorValue(record[ref]); ok {
			return ErrorValue{Error: true, Code: ev.Code, Message: fmt.Sprintf("input %s: %s", ref, ev.Message)}, nil
		}
	}

	prog, err := e.compiled(field.Expression)
	if err != nil {
		return evalFailure(fmt.Errorf("compile formula: %w", err)), nil
	}

	env := map[string]any{"record": record}
	value, err := e.runProgram(prog, env)
	if err != nil {
		if errors.Is(err, errEvalTimeout) {
			return evalTimeout(), nil
		}
		return evalFailure(err), nil
	}
	return value, nil
}

// compiled returns the program for an expression, compiling on first use.
// Keyed by expression text, so an altered field definition never reuses a
// stale program.
func (e *Evaluator) compiled(expression string) (*vm.Program, error) {
	e.progMu.Lock()
	defer e.progMu.Unlock()
	if prog, ok := e.programs[expression]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.programs[expression] = prog
	return prog, nil
}

var errEvalTimeout = errors.New("formula evaluation exceeded timeout")

// runProgram executes a compiled formula under the configured per-unit
// timeout. The env is isolated, so an abandoned run races nothing.
func (e *Evaluator) runProgram(prog *vm.Program, env map[string]any) (any, error) {
	if e.timeout <= 0 {
		return expr.Run(prog, env)
	}

	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		value, err := expr.Run(prog, env)
		ch <- result{value, err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-time.After(e.timeout):
		return nil, errEvalTimeout
	}
}

// evaluateRollup handles rollup and lookup: read the local link set, fetch
// the target field's value for every linked record, aggregate. An empty link
// set yields the aggregator's defined empty result, never an error.
func (e *Evaluator) evaluateRollup(ctx context.Context, field *metadata.Field, unit Seed, view *passView) (any, error) {
	link := e.reg.GetField(field.LinkField)
	if link == nil || link.Kind != metadata.KindLink {
		return brokenReference(field.LinkField), nil
	}
	if e.reg.GetField(field.ForeignField) == nil {
		return brokenReference(field.ForeignField), nil
	}

	record, err := view.record(ctx, unit.Table, unit.Record)
	if err != nil {
		return nil, err
	}

	var values []any
	for _, id := range linkedIDs(record[field.LinkField]) {
		foreign, err := view.record(ctx, link.TargetTable, id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue // dangling link, e.g. linked record deleted
			}
			return nil, err
		}
		values = append(values, foreign[field.ForeignField])
	}

	if field.Kind == metadata.KindLookup {
		if values == nil {
			values = []any{}
		}
		return values, nil
	}
	return aggregate(field.Aggregator, values)
}

// evaluateLinkAggregate handles the foreign-side counterpart: collect the
// records in the link's own table whose link set contains this record, then
// aggregate their foreign field.
func (e *Evaluator) evaluateLinkAggregate(ctx context.Context, field *metadata.Field, unit Seed, view *passView) (any, error) {
	link := e.reg.GetField(field.LinkField)
	if link == nil || link.Kind != metadata.KindLink {
		return brokenReference(field.LinkField), nil
	}
	if e.reg.GetField(field.ForeignField) == nil {
		return brokenReference(field.ForeignField), nil
	}

	docs, err := e.docs.List(ctx, link.Table)
	if err != nil {
		return nil, err
	}

	var values []any
	for _, d := range docs {
		if !containsID(d.Data[link.ID], unit.Record) {
			continue
		}
		// Re-read through the view so staged values and versions are picked up.
		rec, err := view.record(ctx, link.Table, d.ID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		values = append(values, rec[field.ForeignField])
	}
	return aggregate(field.Aggregator, values)
}

// aggregate applies a rollup aggregator. nil inputs (unset foreign fields)
// are skipped. Numeric aggregators coerce through toFloat64 and fail with an
// error value on a non-numeric input rather than guessing.
func aggregate(name string, values []any) (any, error) {
	present := values[:0:0]
	for _, v := range values {
		if v != nil {
			present = append(present, v)
		}
	}

	switch name {
	case "count":
		return len(present), nil
	case "counta", "count_all":
		return len(values), nil
	case "sum", "":
		total := 0.0
		for _, v := range present {
			n, ok := toFloat64(v)
			if !ok {
				return evalFailure(fmt.Errorf("sum over non-numeric value %v", v)), nil
			}
			total += n
		}
		return total, nil
	case "avg":
		if len(present) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, v := range present {
			n, ok := toFloat64(v)
			if !ok {
				return evalFailure(fmt.Errorf("avg over non-numeric value %v", v)), nil
			}
			total += n
		}
		return total / float64(len(present)), nil
	case "min":
		return minMax(present, true)
	case "max":
		return minMax(present, false)
	case "first":
		if len(present) == 0 {
			return nil, nil
		}
		return present[0], nil
	case "concat":
		parts := make([]string, 0, len(present))
		for _, v := range present {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, ", "), nil
	case "concat_unique":
		seen := make(map[string]bool, len(present))
		parts := make([]string, 0, len(present))
		for _, v := range present {
			s := fmt.Sprintf("%v", v)
			if !seen[s] {
				seen[s] = true
				parts = append(parts, s)
			}
		}
		sort.Strings(parts)
		return strings.Join(parts, ", "), nil
	}
	return evalFailure(fmt.Errorf("unknown aggregator: %s", name)), nil
}

func minMax(values []any, min bool) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	best, ok := toFloat64(values[0])
	if !ok {
		return evalFailure(fmt.Errorf("min/max over non-numeric value %v", values[0])), nil
	}
	for _, v := range values[1:] {
		n, ok := toFloat64(v)
		if !ok {
			return evalFailure(fmt.Errorf("min/max over non-numeric value %v", v)), nil
		}
		if (min && n < best) || (!min && n > best) {
			best = n
		}
	}
	return best, nil
}

// toFloat64 converts numeric types to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
