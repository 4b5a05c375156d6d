package messaging_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
)

func handlerRecording(calls *[]string, name string) messaging.HandlerFunc {
	return func(ctx context.Context, env *contracts.Envelope, body interface{}) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestHandlerRegistrySubscribe(t *testing.T) {
	t.Run("nil handler fails with ErrInvalidArgument", func(t *testing.T) {
		r := messaging.NewHandlerRegistry()

		err := r.Subscribe(0, nil)

		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("handlers accumulate per command", func(t *testing.T) {
		r := messaging.NewHandlerRegistry()
		var calls []string

		require.NoError(t, r.Subscribe(1, handlerRecording(&calls, "a")))
		require.NoError(t, r.Subscribe(1, handlerRecording(&calls, "b")))
		require.NoError(t, r.Subscribe(2, handlerRecording(&calls, "c")))

		assert.Equal(t, 2, r.Count(1))
		assert.Equal(t, 1, r.Count(2))
		assert.ElementsMatch(t, []int{1, 2}, r.Commands())
	})
}

func TestHandlerRegistryResolve(t *testing.T) {
	t.Run("returns handlers in registration order", func(t *testing.T) {
		r := messaging.NewHandlerRegistry()
		var calls []string
		require.NoError(t, r.Subscribe(1, handlerRecording(&calls, "first")))
		require.NoError(t, r.Subscribe(1, handlerRecording(&calls, "second")))

		env := &contracts.Envelope{Command: 1}
		for _, h := range r.Resolve(1) {
			require.NoError(t, h.Handle(context.Background(), env, nil))
		}

		assert.Equal(t, []string{"first", "second"}, calls)
	})

	t.Run("handlers for other commands are not returned", func(t *testing.T) {
		r := messaging.NewHandlerRegistry()
		var calls []string
		require.NoError(t, r.Subscribe(1, handlerRecording(&calls, "one")))
		require.NoError(t, r.Subscribe(2, handlerRecording(&calls, "two")))

		env := &contracts.Envelope{Command: 2}
		for _, h := range r.Resolve(2) {
			require.NoError(t, h.Handle(context.Background(), env, nil))
		}

		assert.Equal(t, []string{"two"}, calls)
	})

	t.Run("empty command yields exactly one fallback that logs and discards", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		r := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(logger))

		handlers := r.Resolve(42)

		require.Len(t, handlers, 1)
		env := &contracts.Envelope{ID: "e1", Command: 42, Descriptor: "Unknown"}
		assert.NoError(t, handlers[0].Handle(context.Background(), env, nil))
		assert.Contains(t, buf.String(), "no subscriber for this message")
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("no subscriber")))
	})

	t.Run("snapshot is unaffected by a concurrent subscribe", func(t *testing.T) {
		r := messaging.NewHandlerRegistry()
		require.NoError(t, r.Subscribe(1, handlerRecording(new([]string), "seed")))

		snapshot := r.Resolve(1)
		require.NoError(t, r.Subscribe(1, handlerRecording(new([]string), "late")))

		assert.Len(t, snapshot, 1)
		assert.Len(t, r.Resolve(1), 2)
	})
}

func TestHandlerRegistryConcurrency(t *testing.T) {
	r := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Subscribe(i%3, messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope, body interface{}) error {
				return nil
			}))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, h := range r.Resolve(i % 3) {
				h.Handle(context.Background(), &contracts.Envelope{Command: i % 3, Descriptor: fmt.Sprintf("d%d", i)}, nil)
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, 200, r.Count(0)+r.Count(1)+r.Count(2))
}
