package logfanin

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerForwardsRecordOntoBus(t *testing.T) {
	bus := NewBus()
	h := NewHandler(bus)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)

	require.NoError(t, h.Handle(context.Background(), rec))

	select {
	case got := <-bus:
		assert.Equal(t, "hello", got.Message)
	case <-time.After(time.Second):
		t.Fatal("record was not forwarded onto the bus")
	}
}

func TestHandlerWithAttrsCarriesThemIntoHandle(t *testing.T) {
	bus := NewBus()
	h := NewHandler(bus).WithAttrs([]slog.Attr{slog.String("worker", "w1")})

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "hi", 0)
	require.NoError(t, h.Handle(context.Background(), rec))

	got := <-bus

	found := false
	got.Attrs(func(a slog.Attr) bool {
		if a.Key == "worker" && a.Value.String() == "w1" {
			found = true
		}

		return true
	})
	assert.True(t, found, "attrs bound via WithAttrs must appear on every record Handle forwards")
}

func TestHandlerDoesNotBlockWhenBusIsSaturated(t *testing.T) {
	bus := make(Bus, 1)
	h := NewHandler(bus)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "first", 0)
	require.NoError(t, h.Handle(context.Background(), rec))

	done := make(chan struct{})

	go func() {
		// A second Handle call on a full bus must drop, not block.
		_ = h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "second", 0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on a saturated bus instead of dropping the record")
	}
}

func TestListenDrainsBusOnShutdown(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		Listen(ctx, bus, "", slog.LevelInfo)
		close(done)
	}()

	h := NewHandler(bus)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)))
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after context cancellation")
	}

	assert.Empty(t, bus, "records buffered before cancellation are drained before Listen returns")
}

func TestEnabledAlwaysTrue(t *testing.T) {
	h := NewHandler(NewBus())
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestWithGroupReturnsSameHandler(t *testing.T) {
	h := NewHandler(NewBus())
	assert.Equal(t, h, h.WithGroup("ignored"))
}
