package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpanContinuesTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "root")
	child, _ := tracer.StartSpan(ctx, "child")

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
	assert.Equal(t, root.TraceID, GetTraceID(ctx))
	assert.Equal(t, root.SpanID, GetSpanID(ctx))
}

func TestSubmitRecordsRecent(t *testing.T) {
	tracer := New("test", nil)

	span, _ := tracer.StartSpan(context.Background(), "moduleCall")
	span.SetTag("module", "abc")
	span.SetError(errors.New("boom"))
	span.Finish()
	tracer.Submit(span)
	tracer.Close()

	recent := tracer.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "moduleCall", recent[0].Name)
	assert.Equal(t, "abc", recent[0].Tags["module"])
	assert.Equal(t, "boom", recent[0].Error)
}

func TestRecentWrapsOldestFirst(t *testing.T) {
	tracer := New("test", nil)
	for i := 0; i < recentSpans+3; i++ {
		span, _ := tracer.StartSpan(context.Background(), "op")
		span.Finish()
		tracer.Submit(span)
	}
	tracer.Close()

	recent := tracer.Recent()
	assert.Len(t, recent, recentSpans)
	assert.True(t, !recent[0].StartTime.After(recent[len(recent)-1].StartTime))
}

func TestSubmitAfterCloseIsDropped(t *testing.T) {
	tracer := New("test", nil)
	tracer.Close()

	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.Submit(span)
	assert.Empty(t, tracer.Recent())
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	span, ctx := tracer.StartSpan(context.Background(), "op")
	require.NotNil(t, span)
	assert.NotEmpty(t, GetTraceID(ctx))
	tracer.Submit(span)
	tracer.Close()
	assert.Nil(t, tracer.Recent())
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", nil)

	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "trace_upstream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace_upstream", w.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Span-ID"))

	tracer.Close()
	recent := tracer.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "/healthz", recent[0].Name)
	assert.Equal(t, http.StatusOK, recent[0].StatusCode)
	assert.Equal(t, "200", recent[0].Tags["http.status"])
	assert.Less(t, recent[0].Duration, time.Second)
}
