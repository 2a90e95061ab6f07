package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("unsupported provider type", func(t *testing.T) {
		t.Setenv("STORE_TYPE", "MySQL")

		s, err := New()
		assert.Nil(t, s)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider type: mysql")
	})

	t.Run("redis provider without REDIS_ADDR fails", func(t *testing.T) {
		t.Setenv("STORE_TYPE", "Redis")
		t.Setenv("REDIS_ADDR", "")

		s, err := New()
		assert.Nil(t, s)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "init redis store failed")
	})

	t.Run("valkey provider without VALKEY_ADDR fails", func(t *testing.T) {
		t.Setenv("STORE_TYPE", "Valkey")
		t.Setenv("VALKEY_ADDR", "")

		s, err := New()
		assert.Nil(t, s)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "init valkey store failed")
	})
}
