package serialization

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

type orderShipped struct {
	OrderID string `json:"orderId"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("Register stores type under explicit name", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.Register("OrderPlaced", orderPlaced{})

		require.NoError(t, err)
		assert.True(t, registry.IsRegistered("OrderPlaced"))

		instance, ok := registry.New("OrderPlaced")
		require.True(t, ok)
		assert.IsType(t, &orderPlaced{}, instance)
	})

	t.Run("RegisterType uses the bare struct name", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.RegisterType(&orderPlaced{})

		require.NoError(t, err)
		assert.True(t, registry.IsRegistered("orderPlaced"))
	})

	t.Run("RegisterFactory avoids reflection on the read path", func(t *testing.T) {
		registry := NewTypeRegistry()

		err := registry.RegisterFactory("OrderShipped", func() interface{} {
			return &orderShipped{}
		})

		require.NoError(t, err)
		instance, ok := registry.New("OrderShipped")
		require.True(t, ok)
		assert.IsType(t, &orderShipped{}, instance)
	})

	t.Run("duplicate registration of the same type is ignored", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))

		err := registry.Register("OrderPlaced", orderPlaced{})

		assert.NoError(t, err)
	})

	t.Run("conflicting registration fails", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("Order", orderPlaced{}))

		err := registry.Register("Order", orderShipped{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("Register rejects invalid input", func(t *testing.T) {
		registry := NewTypeRegistry()

		assert.Error(t, registry.Register("", orderPlaced{}))
		assert.Error(t, registry.Register("Order", nil))
		assert.Error(t, registry.Register("Order", 42))
		assert.Error(t, registry.RegisterFactory("Order", nil))
	})

	t.Run("TypeName reverse-maps a value's type", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))

		name, err := registry.TypeName(&orderPlaced{OrderID: "1"})

		require.NoError(t, err)
		assert.Equal(t, "OrderPlaced", name)
	})

	t.Run("TypeName fails for unregistered types", func(t *testing.T) {
		registry := NewTypeRegistry()

		_, err := registry.TypeName(orderShipped{})

		assert.Error(t, err)
	})

	t.Run("New returns independent instances", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))

		first, _ := registry.New("OrderPlaced")
		second, _ := registry.New("OrderPlaced")

		first.(*orderPlaced).OrderID = "changed"
		assert.Empty(t, second.(*orderPlaced).OrderID)
	})

	t.Run("Types lists registered names", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))
		require.NoError(t, registry.Register("OrderShipped", orderShipped{}))

		names := registry.Types()

		assert.Len(t, names, 2)
		assert.Contains(t, names, "OrderPlaced")
		assert.Contains(t, names, "OrderShipped")
	})

	t.Run("registry is safe under concurrent registration and lookup", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = registry.Register("OrderShipped", orderShipped{})
			}()
			go func() {
				defer wg.Done()
				_, _ = registry.New("OrderPlaced")
			}()
		}
		wg.Wait()

		assert.True(t, registry.IsRegistered("OrderShipped"))
	})
}
