// internal/browser/context_utils_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("InheritsValuesFromPrimary", func(t *testing.T) {
		primary := context.WithValue(context.Background(), key, "tab-1")
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("CancelledByPrimary", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CancelledBySecondary", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		cancelSecondary()
		assert.Eventually(t, func() bool { return combined.Err() != nil },
			time.Second, 5*time.Millisecond)
	})

	t.Run("SecondaryValuesIgnored", func(t *testing.T) {
		secondary := context.WithValue(context.Background(), key, "other")
		combined, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		assert.Nil(t, combined.Value(key))
	})

	t.Run("CancelStopsWatching", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		defer cancelSecondary()
		combined, cancel := CombineContext(context.Background(), secondary)

		cancel()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}
