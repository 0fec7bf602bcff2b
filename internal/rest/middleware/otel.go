package middleware

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	otelint "github.com/policyflow/policyflow/internal/otel"
)

// bodyWrapper wraps a http.Request.Body (an io.ReadCloser) to track the
// number of bytes read
type bodyWrapper struct {
	io.ReadCloser
	record func(n int64) // must not be nil

	read int64
	err  error
}

func (w *bodyWrapper) Read(b []byte) (int, error) {
	n, err := w.ReadCloser.Read(b)
	n1 := int64(n)
	w.read += n1
	w.err = err
	w.record(n1)
	return n, err
}

func (w *bodyWrapper) Close() error {
	return w.ReadCloser.Close()
}

type respWriterWrapper struct {
	http.ResponseWriter
	record func(n int64) // must not be nil

	written     int64
	statusCode  int
	err         error
	wroteHeader bool
}

func (w *respWriterWrapper) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	n1 := int64(n)
	w.record(n1)
	w.written += n1
	w.err = err
	return n, err
}

func (w *respWriterWrapper) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Opentelemetry returns middleware that will trace and meter incoming
// requests.
func Opentelemetry() func(next http.Handler) http.Handler {
	tracer := otel.GetTracerProvider().Tracer("http-request-middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			var bw bodyWrapper
			// a nil request body must stay nil, wrapping it would make
			// it a non-nil ReadCloser holding nothing
			if r.Body != nil {
				bw.ReadCloser = r.Body
				bw.record = func(n int64) {
					span.AddEvent("read", trace.WithAttributes(otelhttp.ReadBytesKey.Int64(n)))
				}
				r.Body = &bw
			}
			rww := &respWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK, record: func(n int64) {
				span.AddEvent("write", trace.WithAttributes(otelhttp.WroteBytesKey.Int64(n)))
			}}

			start := time.Now()
			next.ServeHTTP(rww, r.WithContext(ctx))
			elapsed := time.Since(start)

			routePattern := chi.RouteContext(r.Context()).RoutePattern()
			if routePattern == "" {
				routePattern = r.URL.Path
			}
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(attribute.Int("http.status_code", rww.statusCode))
			if bw.read > 0 {
				span.SetAttributes(otelhttp.ReadBytesKey.Int64(bw.read))
			}
			if rww.written > 0 {
				span.SetAttributes(otelhttp.WroteBytesKey.Int64(rww.written))
			}

			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("uri", routePattern),
				attribute.Int("status", rww.statusCode),
			)
			if otelint.RequestTotal != nil {
				otelint.RequestTotal.Add(ctx, 1)
				otelint.RequestUriTotal.Add(ctx, 1, attrs)
				otelint.RequestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
			}
		})
	}
}
