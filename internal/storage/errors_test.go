package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		want string
	}{
		{
			name: "with key",
			err:  &StorageError{Partition: "queue", Key: "downloadQueue", Op: "set", Err: errors.New("disk full")},
			want: "storage set queue/downloadQueue failed: disk full",
		},
		{
			name: "without key",
			err:  &StorageError{Partition: "resources", Op: "statfs", Err: errors.New("no such device")},
			want: "storage statfs on resources failed: no such device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("database is locked")

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Wrap("queue", "set", "k", nil))
	})

	t.Run("not found is passed through", func(t *testing.T) {
		err := Wrap("queue", "get", "k", ErrNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsStorageError(err))
	})

	t.Run("wraps plain errors", func(t *testing.T) {
		err := Wrap("queue", "set", "k", base)
		assert.True(t, IsStorageError(err))
		assert.ErrorIs(t, err, base)
	})

	t.Run("does not double wrap", func(t *testing.T) {
		inner := Wrap("queue", "set", "k", base)
		outer := Wrap("metadata", "get", "other", inner)

		var se *StorageError
		assert.ErrorAs(t, outer, &se)
		assert.Equal(t, "queue", se.Partition)
	})
}
