package instrument

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Middleware installs the instrumenter into every request context, assigns
// the trace ID (honoring an inbound X-Trace-Id header) and wraps the request
// in a root span so handler-side spans attach to it.
func Middleware(inst Instrumenter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID := c.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, inst)
		ctx, span := inst.StartSpan(ctx, "http", "api", c.Method()+" "+c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-Id", traceID)

		err := c.Next()

		if err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
		} else {
			span.SetStatus("ok")
		}
		span.SetMetadata("status_code", c.Response().StatusCode())
		span.End()
		return err
	}
}
