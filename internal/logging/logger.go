package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mailhook/mailhook/internal/tracing"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Entry is one structured log line. Domain identifiers get first-class
// fields so downstream log queries don't have to dig through the fields map.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      Level          `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	EventID    int64          `json:"event_id,omitempty"`
	DeliveryID int64          `json:"delivery_id,omitempty"`
	EndpointID string         `json:"endpoint_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	out io.Writer
}

// Logger emits JSON entries tagged with a service name.
type Logger struct {
	service string
	out     io.Writer
}

// New creates a logger writing to stdout.
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout}
}

// NewWithWriter creates a logger writing to w. Used by tests.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

func (l *Logger) entry() *Entry {
	return &Entry{
		Time:    time.Now().UTC(),
		Service: l.service,
		out:     l.out,
	}
}

// Plain creates an entry without trace correlation.
func (l *Logger) Plain() *Entry { return l.entry() }

// WithContext creates an entry carrying the trace ID from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.entry()
	e.TraceID = tracing.GetTraceID(ctx)
	return e
}

// WithTenant sets the tenant ID.
func (e *Entry) WithTenant(tenantID string) *Entry {
	e.TenantID = tenantID
	return e
}

// WithEvent sets the domain event ID.
func (e *Entry) WithEvent(eventID int64) *Entry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery ID.
func (e *Entry) WithDelivery(deliveryID int64) *Entry {
	e.DeliveryID = deliveryID
	return e
}

// WithEndpoint sets the endpoint ID.
func (e *Entry) WithEndpoint(endpointID string) *Entry {
	e.EndpointID = endpointID
	return e
}

// WithField adds one key-value pair.
func (e *Entry) WithField(key string, value any) *Entry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple key-value pairs.
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field when err is non-nil.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *Entry) Debug(message string) { e.log(LevelDebug, message) }
func (e *Entry) Info(message string)  { e.log(LevelInfo, message) }
func (e *Entry) Warn(message string)  { e.log(LevelWarn, message) }
func (e *Entry) Error(message string) { e.log(LevelError, message) }

// Fatal logs and exits.
func (e *Entry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *Entry) log(level Level, message string) {
	e.Level = level
	e.Message = message

	out := e.out
	if out == nil {
		out = os.Stdout
	}
	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(out, string(data))
}
