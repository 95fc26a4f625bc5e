package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/codexbridge/internal/tracing"
)

// OtelTracing opens a server span per API request, named after the matched
// route. Topic routes also carry the topic key.
func OtelTracing(serverName string) gin.HandlerFunc {
	return spanPerRequest(tracing.Tracer(serverName))
}

func spanPerRequest(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()

		if chat, thread := c.Param("chat"), c.Param("thread"); chat != "" && thread != "" {
			span.SetAttributes(attribute.String("topic", chat+":"+thread))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if err := c.Errors.Last(); err != nil {
			span.RecordError(err.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
