package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id. An incoming value is kept,
// otherwise one is generated; it is echoed on the response.
const RequestIDHeader = "X-Request-ID"

// responseWriter records the status and byte count for the access log.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingConfig holds configuration for the logging middleware
type LoggingConfig struct {
	SkipPaths       []string
	LogHealthChecks bool
	// Output receives log lines; nil means the standard logger.
	Output *log.Logger
}

// DefaultLoggingConfig returns a sensible default configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SkipPaths:       []string{"/metrics"},
		LogHealthChecks: true,
	}
}

var healthCheckPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/livez":   true,
	"/readyz":  true,
}

// requestInfo is shared between the access logger and handlers further
// down the chain, which see a derived context.
type requestInfo struct {
	id       string
	username string
}

type requestInfoKey struct{}

func withRequestInfo(ctx context.Context, ri *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, ri)
}

// noteUsername records the authenticated user for the access log line.
func noteUsername(ctx context.Context, name string) {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		ri.username = name
	}
}

// RequestID returns the id assigned by Logger, or "".
func RequestID(ctx context.Context) string {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri.id
	}
	return ""
}

// logEntry is one served request.
type logEntry struct {
	at       time.Time
	r        *http.Request
	rw       *responseWriter
	info     *requestInfo
	duration time.Duration
}

// w3cField is one column of the W3C Extended Log Format line.
type w3cField struct {
	name  string
	value func(e *logEntry) string
}

// accessFields defines both the #Fields directive and each line.
var accessFields = []w3cField{
	{"date", func(e *logEntry) string { return e.at.Format("2006-01-02") }},
	{"time", func(e *logEntry) string { return e.at.Format("15:04:05") }},
	{"c-ip", func(e *logEntry) string { return getClientIP(e.r) }},
	{"cs-username", func(e *logEntry) string { return e.info.username }},
	{"cs-method", func(e *logEntry) string { return e.r.Method }},
	{"cs-uri-stem", func(e *logEntry) string { return e.r.URL.Path }},
	{"cs-uri-query", func(e *logEntry) string { return e.r.URL.RawQuery }},
	{"sc-status", func(e *logEntry) string { return strconv.Itoa(e.rw.statusCode) }},
	{"sc-bytes", func(e *logEntry) string { return strconv.FormatInt(e.rw.bytesWritten, 10) }},
	{"cs-bytes", func(e *logEntry) string {
		if e.r.ContentLength < 0 {
			return ""
		}
		return strconv.FormatInt(e.r.ContentLength, 10)
	}},
	{"time-taken", func(e *logEntry) string { return strconv.FormatInt(e.duration.Milliseconds(), 10) }},
	{"x-request-id", func(e *logEntry) string { return e.info.id }},
	{"cs(User-Agent)", func(e *logEntry) string { return e.r.Header.Get("User-Agent") }},
	{"cs(Referer)", func(e *logEntry) string { return e.r.Header.Get("Referer") }},
}

// W3CLogger writes access lines in W3C Extended Log Format.
type W3CLogger struct {
	out *log.Logger
}

// NewW3CLogger writes the format directives and returns the logger.
func NewW3CLogger(out *log.Logger, software string) *W3CLogger {
	if out == nil {
		out = log.Default()
	}
	names := make([]string, len(accessFields))
	for i, f := range accessFields {
		names[i] = f.name
	}
	out.Println("#Software: " + software)
	out.Println("#Fields: " + strings.Join(names, " "))
	return &W3CLogger{out: out}
}

func (l *W3CLogger) write(e *logEntry) {
	values := make([]string, len(accessFields))
	for i, f := range accessFields {
		values[i] = w3cValue(f.value(e))
	}
	l.out.Println(strings.Join(values, " "))
}

// Logger returns the access-log middleware. It also assigns the request
// id and exposes it on the response.
func Logger(config LoggingConfig) func(http.Handler) http.Handler {
	logger := NewW3CLogger(config.Output, "NestBox/1.0")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &requestInfo{id: sanitizeLogField(r.Header.Get(RequestIDHeader))}
			if info.id == "" || len(info.id) > 64 {
				info.id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, info.id)
			r = r.WithContext(withRequestInfo(r.Context(), info))

			if shouldSkip(r.URL.Path, config) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			logger.write(&logEntry{
				at:       time.Now().UTC(),
				r:        r,
				rw:       wrapped,
				info:     info,
				duration: time.Since(start),
			})
		})
	}
}

// sanitizeLogField drops control characters so a header cannot forge log
// lines or inject terminal escapes. Newlines become spaces; tabs stay.
func sanitizeLogField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// w3cValue sanitizes s, writes "-" for empty and quotes values with
// whitespace or quotes (doubling embedded quotes).
func w3cValue(s string) string {
	s = sanitizeLogField(s)
	switch {
	case s == "":
		return "-"
	case strings.ContainsAny(s, " \t\""):
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func shouldSkip(path string, config LoggingConfig) bool {
	for _, skipPath := range config.SkipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return !config.LogHealthChecks && healthCheckPaths[path]
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
