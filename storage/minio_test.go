package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	key, err := ObjectKey(" 1863 ")
	require.NoError(t, err)
	assert.Equal(t, "songs/1863", key)

	for _, bad := range []string{"", "  ", "a/b", "..", `a\b`} {
		_, err := ObjectKey(bad)
		assert.ErrorIs(t, err, ErrBadSongID, bad)
	}
}
