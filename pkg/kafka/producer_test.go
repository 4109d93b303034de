package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func header(msg kafka.Message, key string) string {
	return NewHeaderCarrier(&msg.Headers).Get(key)
}

func TestNewEvent_Fields(t *testing.T) {
	ev, err := NewEvent("auth.user.registered", "42", "user", "auth-service", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "auth.user.registered", ev.EventType)
	assert.Equal(t, "42", ev.AggregateID)
	assert.Equal(t, 1, ev.Version)
	assert.False(t, ev.Timestamp.IsZero())
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(ev.Data))
}

func TestNewEvent_InvalidData(t *testing.T) {
	_, err := NewEvent("x", "1", "user", "auth", make(chan int))
	assert.Error(t, err)
}

func TestEvent_RoundTripKeepsEnvelope(t *testing.T) {
	ev, err := NewEvent("auth.session.revoked", "7", "user", "auth", map[string]int{"n": 1})
	require.NoError(t, err)
	ev.WithCorrelationID("corr-1").WithOrganizationID("org-9").WithMetadata("ip", "10.0.0.1")

	raw, err := ev.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "org-9", got.OrganizationID)
	assert.Equal(t, "10.0.0.1", got.Metadata["ip"])

	var payload map[string]int
	require.NoError(t, got.UnmarshalData(&payload))
	assert.Equal(t, 1, payload["n"])
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "isol.auth.user.registered", Topic("auth", "user.registered"))
}

func TestProducer_PublishWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, []string{"localhost:9092"}, discardLogger())

	ev, err := NewEvent("auth.user.logged_in", "42", "user", "auth", struct{}{})
	require.NoError(t, err)
	ev.WithCorrelationID("corr-xyz")

	require.NoError(t, p.Publish(context.Background(), "isol.auth.user.logged_in", ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "isol.auth.user.logged_in", msg.Topic)
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, "auth.user.logged_in", header(msg, "event_type"))
	assert.Equal(t, "corr-xyz", header(msg, "correlation_id"))
}

func TestProducer_PublishInjectsTraceContext(t *testing.T) {
	prevProp := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prevProp) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	w := &fakeWriter{}
	p := NewProducerWithWriter(w, nil, discardLogger())
	ev, err := NewEvent("auth.session.rotated", "1", "user", "auth", struct{}{})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, "t", ev))

	assert.Contains(t, header(w.msgs[0], "traceparent"), span.SpanContext().TraceID().String())
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewProducerWithWriter(w, nil, discardLogger())

	ev, err := NewEvent("auth.user.locked_out", "1", "user", "auth", struct{}{})
	require.NoError(t, err)

	err = p.Publish(context.Background(), "isol.auth.user.locked_out", ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish event to isol.auth.user.locked_out")
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(w, nil, discardLogger()).Close())
	assert.True(t, w.closed)
}

func TestHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: "a", Value: []byte("1")}}
	c := NewHeaderCarrier(&headers)

	assert.Equal(t, "1", c.Get("a"))
	assert.Empty(t, c.Get("missing"))

	c.Set("a", "2")
	c.Set("b", "3")
	assert.Equal(t, "2", c.Get("a"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
	assert.Len(t, headers, 2)
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	err := PingBrokers(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers configured")
}
