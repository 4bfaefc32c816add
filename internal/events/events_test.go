package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

func TestBusPreservesOrder(t *testing.T) {
	rec := NewRecorder()
	bus := NewBus(64, rec)
	bus.Start()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Emit(ctx, "s1", New(TypeProgress, "", i, Metadata{})))
	}
	require.NoError(t, bus.Emit(ctx, "s1", New(TypeCompleted, "", nil, Metadata{})))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(stopCtx))

	got := rec.Events()
	require.Len(t, got, 21)
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, got[i].Payload)
		assert.Equal(t, "s1", got[i].SessionID)
	}
	assert.Equal(t, TypeCompleted, got[20].Type)
}

func TestBusDropsWhenFull(t *testing.T) {
	rec := NewRecorder()
	bus := NewBus(2, rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Emit(ctx, "s1", New(TypeProgress, "s1", i, Metadata{})))
	}
	bus.Start()
	require.NoError(t, bus.Stop(ctx))

	assert.Len(t, rec.Events(), 2)

	// emitting after stop is a silent drop
	assert.NoError(t, bus.Emit(ctx, "s1", New(TypeProgress, "s1", 9, Metadata{})))
	assert.Len(t, rec.Events(), 2)
}

func TestBusIsolatesFailingSinks(t *testing.T) {
	rec := NewRecorder()
	failing := SinkFunc(func(context.Context, string, Event) error { return errors.New("transport down") })
	panicking := SinkFunc(func(context.Context, string, Event) error { panic("boom") })

	bus := NewBus(8, failing, panicking)
	bus.Subscribe(rec)
	bus.Start()

	ctx := context.Background()
	require.NoError(t, bus.Emit(ctx, "s1", New(TypeError, "s1", nil, Metadata{})))
	require.NoError(t, bus.Stop(ctx))

	assert.Len(t, rec.Events(), 1)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("s1")
	other, cancelOther := b.Subscribe("s2")
	defer cancelOther()

	ctx := context.Background()
	require.NoError(t, b.Emit(ctx, "s1", New(TypeProgress, "s1", nil, Metadata{})))

	select {
	case e := <-ch:
		assert.Equal(t, TypeProgress, e.Type)
	default:
		t.Fatal("listener did not receive event")
	}
	select {
	case e := <-other:
		t.Fatalf("listener for s2 received %v", e.Type)
	default:
	}

	// a full listener drops instead of blocking
	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, b.Emit(ctx, "s1", New(TypeProgress, "s1", i, Metadata{})))
	}
	assert.Len(t, ch, subscriberBuffer)

	cancel()
	cancel()
	assert.Equal(t, 0, b.Listeners("s1"))

	b.Close("s2")
	_, open := <-other
	assert.False(t, open)
}

func TestRecorderWaitFor(t *testing.T) {
	rec := NewRecorder()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = rec.Emit(context.Background(), "s1", New(TypeCompleted, "", nil, Metadata{}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, ok := rec.WaitFor(ctx, "s1", TypeCompleted)
	require.True(t, ok)
	assert.Equal(t, "s1", e.SessionID)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, ok = rec.WaitFor(short, "s1", TypeError)
	assert.False(t, ok)
}

func TestMetadataWithFallback(t *testing.T) {
	md := Metadata{AutoAdvance: false}.WithFallback(domain.NewFallback(domain.FallbackManualPreview))
	assert.Equal(t, domain.FallbackManualPreview, md.FallbackAction)
	assert.NotEmpty(t, md.Instruction)

	assert.Equal(t, 100.0, *Confidence(130))
}

func TestHubDeliversToSessionChannel(t *testing.T) {
	hub := NewHub(HubOptions{CheckOrigin: func(*http.Request) bool { return true }})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("session"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=s1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Emit(context.Background(), "s2", New(TypeProgress, "s2", nil, Metadata{})))
	require.NoError(t, hub.Emit(context.Background(), "s1", New(TypeCompleted, "s1", nil, Metadata{})))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"completed"`)
	assert.Contains(t, string(msg), `"sessionId":"s1"`)
}
