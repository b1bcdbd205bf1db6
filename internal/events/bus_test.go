package events

import (
	"context"
	"testing"
)

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.Subscribe(TypeRecordUpdated, func(ctx context.Context, ev Event) {
		order = append(order, "first")
	})
	bus.Subscribe(TypeRecordUpdated, func(ctx context.Context, ev Event) {
		order = append(order, "second")
	})

	bus.Publish(context.Background(), RecordUpdated{Base: "b1", Table: "t1", Record: "r1"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected handlers in registration order, got %v", order)
	}
}

func TestPublishOnlyMatchingType(t *testing.T) {
	bus := NewBus()
	var got []Type

	bus.Subscribe(TypeRecordCreated, func(ctx context.Context, ev Event) {
		got = append(got, ev.EventType())
	})

	bus.Publish(context.Background(), RecordUpdated{Base: "b1", Table: "t1", Record: "r1"})
	bus.Publish(context.Background(), RecordCreated{Base: "b1", Table: "t1", Record: "r1"})

	if len(got) != 1 || got[0] != TypeRecordCreated {
		t.Fatalf("expected only record.created, got %v", got)
	}
}

func TestPublishRecoversPanickingHandler(t *testing.T) {
	bus := NewBus()
	reached := false

	bus.Subscribe(TypeLinkChanged, func(ctx context.Context, ev Event) {
		panic("boom")
	})
	bus.Subscribe(TypeLinkChanged, func(ctx context.Context, ev Event) {
		reached = true
	})

	bus.Publish(context.Background(), LinkChanged{Base: "b1", Table: "t1", LinkField: "f1", Record: "r1"})

	if !reached {
		t.Fatal("handler after a panicking one did not run")
	}
}
