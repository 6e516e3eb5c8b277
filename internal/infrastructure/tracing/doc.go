/*
Package tracing follows a request from the HTTP API into the display service.

Each request gets a span. The trace id comes from the X-Trace-ID header when
the caller sends one and is generated otherwise; both ids are echoed back on
the response. Outgoing calls to the display service carry the same headers,
so a session failure can be matched across both logs.

# Usage

	tracer := tracing.New("deskd", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// Outgoing request
	tracing.Inject(ctx, req.SetHeader)

Completed spans are logged through zap at debug level, or at warn level
when the request failed. Spans are collected asynchronously and dropped
when the buffer is full.
*/
package tracing
