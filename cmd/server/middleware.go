package main

import (
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halilibrahimtanac/twish-signal/internal/cid"
)

// cidMiddleware ensures every request carries a correlation id: an incoming
// X-TS-CID header is preserved, otherwise a fresh KSUID is generated. The
// id is stored on the request context and echoed in the response header.
func cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cid.With(c.Request.Context(), id))
		c.Writer.Header().Set(cid.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware opens a span per HTTP request and tags it with the
// correlation id so websocket event spans parent correctly.
func otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("twish-signal/http")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "http "+c.FullPath(),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", c.FullPath()),
				attribute.String(cid.AttributeName, cid.FromContext(c.Request.Context())),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
