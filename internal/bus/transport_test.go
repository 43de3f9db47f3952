package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eddisonso.com/edd-events/internal/bus/bustest"
)

var _ Conn = (*bustest.Conn)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, string(m.Data))
	}
	return out
}

func TestTransport_ZeroValueIsNotConnected(t *testing.T) {
	var tr Transport

	err := tr.Subscribe("user.created", func(context.Context, Message) error { return nil })
	require.ErrorIs(t, err, ErrNotConnected)

	assert.NotPanics(t, func() {
		tr.Publish(context.Background(), "email.send", map[string]string{"a": "b"})
	})
	require.ErrorIs(t, tr.TryPublish(context.Background(), "email.send", "x"), ErrNotConnected)
	require.ErrorIs(t, tr.Close(context.Background()), ErrNotConnected)
}

func TestTransport_PublishEncodesJSON(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))

	tr.Publish(context.Background(), "event.registered", map[string]any{"user": map[string]string{"email": "a@x.com"}})

	pubs := conn.PublishedOn("event.registered")
	require.Len(t, pubs, 1)
	assert.JSONEq(t, `{"user":{"email":"a@x.com"}}`, string(pubs[0].Data))
}

func TestTransport_PublishFailureIsSwallowed(t *testing.T) {
	conn := bustest.NewConn()
	conn.FailPublish(errors.New("connection reset"))
	tr := New(conn, WithLogger(quietLogger()))

	assert.NotPanics(t, func() {
		tr.Publish(context.Background(), "email.send", map[string]string{"a": "b"})
	})
	require.Error(t, tr.TryPublish(context.Background(), "email.send", "x"))
	assert.Empty(t, conn.Published())
}

func TestTransport_PublishUnencodableIsSwallowed(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))

	assert.NotPanics(t, func() {
		tr.Publish(context.Background(), "email.send", make(chan int))
	})
	err := tr.TryPublish(context.Background(), "email.send", func() {})
	require.Error(t, err)
	assert.Empty(t, conn.Published())
}

func TestTransport_DeliversInArrivalOrder(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))
	rec := &recorder{}
	require.NoError(t, tr.Subscribe("user.updated", rec.handle))

	for i := 0; i < 20; i++ {
		b, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, conn.Deliver("user.updated", b))
	}

	require.Eventually(t, func() bool { return rec.len() == 20 }, time.Second, 5*time.Millisecond)
	got := rec.bodies()
	for i := 0; i < 20; i++ {
		b, _ := json.Marshal(map[string]int{"n": i})
		assert.Equal(t, string(b), got[i])
	}
}

func TestTransport_MalformedMessageDoesNotStopSubscription(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))
	rec := &recorder{}
	require.NoError(t, tr.Subscribe("user.updated", rec.handle))

	require.NoError(t, conn.Deliver("user.updated", []byte(`{"externalId":`)))
	require.NoError(t, conn.Deliver("user.updated", []byte{0xff, 0xfe}))
	require.NoError(t, conn.Deliver("user.updated", []byte(`{"externalId":"u1"}`)))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"externalId":"u1"}`, rec.bodies()[0])
}

func TestTransport_HandlerErrorAndPanicAreContained(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))

	var mu sync.Mutex
	calls := 0
	require.NoError(t, tr.Subscribe("user.deleted", func(_ context.Context, msg Message) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("storage unavailable")
		case 2:
			panic("boom")
		}
		return nil
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Deliver("user.deleted", []byte(`{"externalId":"u1"}`)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 5*time.Millisecond)
}

func TestTransport_SubjectsDispatchIndependently(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))

	block := make(chan struct{})
	require.NoError(t, tr.Subscribe("user.created", func(context.Context, Message) error {
		<-block
		return nil
	}))
	rec := &recorder{}
	require.NoError(t, tr.Subscribe("user.deleted", rec.handle))

	require.NoError(t, conn.Deliver("user.created", []byte(`{}`)))
	require.NoError(t, conn.Deliver("user.deleted", []byte(`{}`)))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	close(block)
}

func TestTransport_CloseDeliversBufferedMessages(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()), WithBufferSize(16))

	release := make(chan struct{})
	var mu sync.Mutex
	handled := 0
	require.NoError(t, tr.Subscribe("user.created", func(context.Context, Message) error {
		<-release
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Deliver("user.created", []byte(`{}`)))
	}

	closed := make(chan error, 1)
	go func() { closed <- tr.Close(context.Background()) }()

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	mu.Lock()
	assert.Equal(t, 5, handled)
	mu.Unlock()

	assert.False(t, tr.Connected())
	require.ErrorIs(t, tr.Subscribe("user.created", func(context.Context, Message) error { return nil }), ErrNotConnected)
	require.ErrorIs(t, tr.TryPublish(context.Background(), "email.send", "x"), ErrNotConnected)
}

func TestTransport_CloseRespectsDeadline(t *testing.T) {
	conn := bustest.NewConn()
	tr := New(conn, WithLogger(quietLogger()))

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, tr.Subscribe("user.created", func(context.Context, Message) error {
		<-block
		return nil
	}))
	require.NoError(t, conn.Deliver("user.created", []byte(`{}`)))

	// Let the dispatcher pick the message up so it is stuck in the handler.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_UnreachableBus(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", WithLogger(quietLogger()))
	require.Error(t, err)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nats://127.0.0.1:1", ce.URL)
}
