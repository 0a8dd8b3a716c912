package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	i := Identity{ID: "u1"}.WithDefaults()
	require.Equal(t, UnknownName, i.Name)

	i = Identity{ID: "u1", Name: "Alice"}.WithDefaults()
	require.Equal(t, "Alice", i.Name)
}

func TestValid(t *testing.T) {
	require.True(t, Identity{ID: "u1"}.Valid())
	require.False(t, Identity{Name: "Alice"}.Valid())
}
