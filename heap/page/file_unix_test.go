//go:build unix

package page

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.pages")

	src, err := NewFileSource(path, Config{PageSize: 4096, MaxPages: 8})
	require.NoError(t, err)

	p, err := src.AllocatePage(AllocateRegular, OldSpace, NotExecutable)
	require.NoError(t, err)
	q, err := src.AllocatePage(AllocateRegular, OldSpace, NotExecutable)
	require.NoError(t, err)
	copy(q.Bytes(), "heapkit")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*4096), info.Size())

	// A second source cannot take the same file.
	_, err = NewFileSource(path, Config{PageSize: 4096})
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, src.FreePage(FreeImmediately, p))
	require.NoError(t, src.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "heapkit", string(data[4096:4096+7]))

	// The lock is released on close.
	again, err := NewFileSource(path, Config{PageSize: 4096})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
