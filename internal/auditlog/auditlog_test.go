package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *recordingSink) Send(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestLoggerShipsEntries(t *testing.T) {
	sink := &recordingSink{}
	l := New(zap.NewNop(), sink)
	ctx := util.WithRequestID(context.Background(), "req-1")

	l.Info(ctx, "webhook.paystack", "received", Fields{"reference": "R1"})
	l.Error(ctx, "activation", "sync failed", errors.New("boom"), nil)
	l.Flush(context.Background())

	require.Len(t, sink.entries, 2)
	byStage := map[string]Entry{}
	for _, e := range sink.entries {
		byStage[e.Stage] = e
	}
	assert.Equal(t, "req-1", byStage["webhook.paystack"].CorrelationID)
	assert.Equal(t, "R1", byStage["webhook.paystack"].Fields["reference"])
	assert.Equal(t, LevelError, byStage["activation"].Level)
	assert.Equal(t, "boom", byStage["activation"].Fields["error"])
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	l := New(zap.NewNop(), &recordingSink{err: errors.New("down")})
	l.Warn(context.Background(), "stage", "msg", nil)
	l.Flush(context.Background())
}

func TestPanicCarriesStack(t *testing.T) {
	sink := &recordingSink{}
	l := New(zap.NewNop(), sink)

	l.Panic(context.Background(), "http", "nil map")
	l.Flush(context.Background())

	require.Len(t, sink.entries, 1)
	assert.Contains(t, sink.entries[0].Message, "nil map")
	assert.NotEmpty(t, sink.entries[0].Stack)
}

func TestHTTPSink(t *testing.T) {
	var got Entry
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "secret")
	err := sink.Send(context.Background(), Entry{Level: LevelInfo, Stage: "s", Message: "m", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "secret", apiKey)
	assert.Equal(t, "m", got.Message)
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, "").Send(context.Background(), Entry{})
	assert.Error(t, err)
}

func TestFlushHonoursContext(t *testing.T) {
	block := make(chan struct{})
	l := New(zap.NewNop(), sinkFunc(func(ctx context.Context, e Entry) error {
		<-block
		return nil
	}))
	l.Info(context.Background(), "s", "m", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l.Flush(ctx)
	close(block)
	l.Flush(context.Background())
}

func TestStalledSinkDropsInsteadOfBlocking(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	l := newLogger(zap.NewNop(), sinkFunc(func(ctx context.Context, e Entry) error {
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.Info(context.Background(), "s", "m", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logging blocked on a stalled sink")
	}

	close(block)
	l.Flush(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, delivered, 1)
	assert.LessOrEqual(t, delivered, 2)
}

type sinkFunc func(ctx context.Context, e Entry) error

func (f sinkFunc) Send(ctx context.Context, e Entry) error { return f(ctx, e) }
