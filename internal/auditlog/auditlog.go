// Package auditlog mirrors pipeline diagnostics to a remote debug-log
// collector. Delivery is fire-and-forget and never fails the caller.
package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"enrollment-service/internal/util"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Fields carries structured context for an entry.
type Fields map[string]interface{}

// Entry is one record shipped to the sink.
type Entry struct {
	Level         Level     `json:"level"`
	Stage         string    `json:"stage"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Fields        Fields    `json:"data,omitempty"`
	Stack         string    `json:"stack,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink receives audit entries.
type Sink interface {
	Send(ctx context.Context, entry Entry) error
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Send(context.Context, Entry) error { return nil }

// HTTPSink POSTs entries as JSON with an x-api-key header.
type HTTPSink struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPSink(url, apiKey string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSink) Send(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send audit entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Logger writes every entry to zap and ships a copy to the sink in the background.
// queueSize bounds the entries waiting for the sink. Entries logged while the
// queue is full are dropped.
const queueSize = 256

type Logger struct {
	logger *zap.Logger
	sink   Sink
	queue  chan Entry
	wg     sync.WaitGroup
}

// New creates a Logger that ships entries to sink from a single background
// worker. A nil sink disables remote delivery.
func New(logger *zap.Logger, sink Sink) *Logger {
	return newLogger(logger, sink, queueSize)
}

func newLogger(logger *zap.Logger, sink Sink, size int) *Logger {
	l := &Logger{logger: logger, sink: sink}
	if sink == nil {
		return l
	}
	l.queue = make(chan Entry, size)
	go l.run()
	return l
}

func (l *Logger) run() {
	for entry := range l.queue {
		l.deliver(entry)
		l.wg.Done()
	}
}

func (l *Logger) deliver(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.sink.Send(ctx, entry); err != nil {
		util.AuditSinkFailuresTotal.Inc()
		l.logger.Debug("audit sink delivery failed", zap.Error(err), zap.String("stage", entry.Stage))
	}
}

func (l *Logger) enqueue(entry Entry) {
	if l.queue == nil {
		return
	}
	l.wg.Add(1)
	select {
	case l.queue <- entry:
	default:
		l.wg.Done()
		util.AuditEntriesDroppedTotal.Inc()
		l.logger.Debug("audit queue full, entry dropped", zap.String("stage", entry.Stage))
	}
}

func (l *Logger) Info(ctx context.Context, stage, msg string, fields Fields) {
	l.log(ctx, LevelInfo, stage, msg, fields, "")
}

func (l *Logger) Warn(ctx context.Context, stage, msg string, fields Fields) {
	l.log(ctx, LevelWarn, stage, msg, fields, "")
}

func (l *Logger) Error(ctx context.Context, stage, msg string, err error, fields Fields) {
	if err != nil {
		fields = withField(fields, "error", err.Error())
	}
	l.log(ctx, LevelError, stage, msg, fields, "")
}

// Panic records a recovered panic with the current goroutine's stack.
func (l *Logger) Panic(ctx context.Context, stage string, recovered interface{}) {
	l.log(ctx, LevelError, stage, fmt.Sprintf("panic: %v", recovered), nil, string(debug.Stack()))
}

// Flush waits for in-flight deliveries, giving up when ctx is done.
func (l *Logger) Flush(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (l *Logger) log(ctx context.Context, level Level, stage, msg string, fields Fields, stack string) {
	entry := Entry{
		Level:         level,
		Stage:         stage,
		Message:       msg,
		CorrelationID: util.RequestID(ctx),
		Fields:        fields,
		Stack:         stack,
		Timestamp:     time.Now().UTC(),
	}

	zfields := make([]zap.Field, 0, len(fields)+3)
	zfields = append(zfields, zap.String("stage", stage))
	if entry.CorrelationID != "" {
		zfields = append(zfields, zap.String("request_id", entry.CorrelationID))
	}
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	if stack != "" {
		zfields = append(zfields, zap.String("stack", stack))
	}

	switch level {
	case LevelError:
		l.logger.Error(msg, zfields...)
	case LevelWarn:
		l.logger.Warn(msg, zfields...)
	default:
		l.logger.Info(msg, zfields...)
	}

	l.enqueue(entry)
}

func withField(fields Fields, key string, value interface{}) Fields {
	out := make(Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
