package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDatabaseAvailable(t *testing.T) {
	t.Run("returns true when env var is set", func(t *testing.T) {
		t.Setenv(TestPostgresEnv, "postgres://test")
		assert.True(t, IsDatabaseAvailable())
	})

	t.Run("returns false when env var is not set", func(t *testing.T) {
		t.Setenv(TestPostgresEnv, "")
		assert.False(t, IsDatabaseAvailable())
	})
}
