package main

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	cidpkg "github.com/halilibrahimtanac/twish-signal/internal/cid"
)

func TestCIDMiddlewareAddsHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(cidMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	id := w.Header().Get(cidpkg.HeaderName)
	if id == "" {
		t.Fatalf("expected response to include header %s, but it was empty", cidpkg.HeaderName)
	}
	if _, err := ksuid.Parse(id); err != nil {
		t.Fatalf("expected %s to be a valid ksuid, got parse error: %v", id, err)
	}
}

func TestCIDMiddlewarePreservesExistingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(cidMiddleware())

	var seen string
	router.GET("/echo", func(c *gin.Context) {
		seen = cidpkg.FromContext(c.Request.Context())
		c.String(200, "ok")
	})

	incoming := ksuid.New().String()
	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set(cidpkg.HeaderName, incoming)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get(cidpkg.HeaderName); got != incoming {
		t.Fatalf("expected middleware to preserve incoming CID %s, got %s", incoming, got)
	}
	if seen != incoming {
		t.Fatalf("expected request context to carry %s, got %s", incoming, seen)
	}
}
