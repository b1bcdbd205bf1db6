package instrument

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type captureInstrumenter struct {
	spans []*captureSpan
}

type captureSpan struct {
	action   string
	status   string
	metadata map[string]any
	ended    bool
}

func (c *captureInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	s := &captureSpan{action: action}
	c.spans = append(c.spans, s)
	return ctx, s
}

func (c *captureInstrumenter) EmitBusinessEvent(ctx context.Context, action, table, recordID string, metadata map[string]any) {
}

func (s *captureSpan) End()                    { s.ended = true }
func (s *captureSpan) SetStatus(status string) { s.status = status }
func (s *captureSpan) SetMetadata(key string, value any) {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}
func (s *captureSpan) SetEntity(table, recordID string) {}
func (s *captureSpan) TraceID() string                  { return "" }
func (s *captureSpan) SpanID() string                   { return "" }

func TestMiddlewareOpensRootSpan(t *testing.T) {
	inst := &captureInstrumenter{}
	app := fiber.New()
	app.Use(Middleware(inst))

	var handlerInst Instrumenter
	var handlerTrace string
	app.Get("/ping", func(c *fiber.Ctx) error {
		handlerInst = GetInstrumenter(c.UserContext())
		handlerTrace = GetTraceID(c.UserContext())
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if handlerInst != inst {
		t.Fatal("handler context does not carry the installed instrumenter")
	}
	if handlerTrace == "" {
		t.Fatal("handler context has no trace ID")
	}
	if got := resp.Header.Get("X-Trace-Id"); got != handlerTrace {
		t.Fatalf("expected X-Trace-Id %q in response, got %q", handlerTrace, got)
	}

	if len(inst.spans) != 1 {
		t.Fatalf("expected one root span, got %d", len(inst.spans))
	}
	span := inst.spans[0]
	if span.action != "GET /ping" {
		t.Fatalf("unexpected span action %q", span.action)
	}
	if !span.ended || span.status != "ok" {
		t.Fatalf("expected ended ok span, got ended=%v status=%q", span.ended, span.status)
	}
	if span.metadata["status_code"] != 200 {
		t.Fatalf("expected status_code 200, got %v", span.metadata["status_code"])
	}
}

func TestMiddlewareHonorsInboundTraceID(t *testing.T) {
	inst := &captureInstrumenter{}
	app := fiber.New()
	app.Use(Middleware(inst))

	var handlerTrace string
	app.Get("/ping", func(c *fiber.Ctx) error {
		handlerTrace = GetTraceID(c.UserContext())
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Trace-Id", "trace-from-client")
	if _, err := app.Test(req); err != nil {
		t.Fatalf("request: %v", err)
	}

	if handlerTrace != "trace-from-client" {
		t.Fatalf("expected inbound trace ID to be reused, got %q", handlerTrace)
	}
}
