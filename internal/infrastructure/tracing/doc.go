/*
Package tracing records lightweight spans for kernel operations.

# Overview

A Tracer hands out spans, collects finished ones on a buffered channel and
logs them through zap. The last few hundred spans are kept in memory so the
dashboard can show recent HTTP requests and module calls without an external
collector.

Two things are traced:

  - HTTP requests to the host, through HTTPMiddleware
  - moduleCall forwards in the kernel, one span per call tagged with the
    target module, method and caller domain

# Usage

	tracer := tracing.New("skykernel", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "operation")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	span.SetTag("module", id)

# Trace Format

Traces use HTTP headers for propagation:
  - X-Trace-ID: identifier for the entire request flow
  - X-Span-ID: identifier for the current operation

A nil *Tracer is valid and records nothing.
*/
package tracing
