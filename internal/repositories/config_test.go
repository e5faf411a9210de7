package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigVersionsOnlyMoveForward(t *testing.T) {
	database := newTestDB(t)
	repo := NewConfigRepository(database)
	ctx := context.Background()

	_, err := repo.Current(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := repo.Append(ctx, `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	second, err := repo.Append(ctx, `{"a":2}`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	current, err := repo.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.Equal(t, `{"a":2}`, current.Payload)
}
