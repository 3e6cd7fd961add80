package fileio_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/refcount"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const blockSize = 4096

type testFileSystem struct {
	*fileio.FileSystem
	engine    *reflink.Engine
	space     *allocator.Space
	refcounts *refcount.Index
	quotas    *quota.Manager
	files     []*fileio.File
}

// newTestFileSystem creates a FileSystem backed by an in-memory device
// of 1024 blocks.
func newTestFileSystem(t *testing.T) *testFileSystem {
	geometry, err := allocator.NewGeometry(1024, 256)
	require.NoError(t, err)
	space := allocator.NewSpace(allocator.NewBitmapBlockAllocator(geometry), 0)
	refcounts := refcount.NewIndex(geometry)
	quotas := quota.NewManager(0)
	engine, err := reflink.NewEngine(
		reflink.Configuration{
			BlockSizeBytes:       blockSize,
			BTreeSplitBlocks:     1,
			DefaultCowExtentSize: 4,
		},
		transaction.NewManager(space, 64, clock.SystemClock),
		refcounts,
		quotas)
	require.NoError(t, err)
	return &testFileSystem{
		FileSystem: fileio.NewFileSystem(engine, engine, fileio.NewInMemoryDevice(1024*blockSize), 4),
		engine:     engine,
		space:      space,
		refcounts:  refcounts,
		quotas:     quotas,
	}
}

func (tfs *testFileSystem) newFile(alwaysCoW bool) *fileio.File {
	f := tfs.NewFile(1000, alwaysCoW)
	tfs.files = append(tfs.files, f)
	return f
}

// requireConsistent checks that the blocks used by all files created
// so far match the state of the engine.
func (tfs *testFileSystem) requireConsistent(t *testing.T) {
	t.Helper()
	inodes := make([]*inode.Inode, 0, len(tfs.files))
	for _, f := range tfs.files {
		inodes = append(inodes, f.Inode())
	}
	require.NoError(t, tfs.engine.Check(inodes))
}

// requireSharing checks the reference count of every block in the
// data fork of a file.
func (tfs *testFileSystem) requireSharing(t *testing.T, f *fileio.File, refcount uint64) {
	t.Helper()
	for _, extent := range f.Inode().DataFork.Extents() {
		for b := extent.Block; b < extent.PhysicalEnd(); b++ {
			require.Equal(t, refcount, tfs.refcounts.Refcount(b), "Block %d", b)
		}
	}
}

func pattern(length int, seed byte) []byte {
	p := make([]byte, length)
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return p
}

func readAll(t *testing.T, f *fileio.File) []byte {
	t.Helper()
	p := make([]byte, f.Size())
	n, err := f.ReadAt(p, 0)
	if err != io.EOF {
		require.NoError(t, err)
	}
	return p[:n]
}

func writeFile(ctx context.Context, t *testing.T, f *fileio.File, p []byte) {
	t.Helper()
	n, err := f.WriteAt(ctx, p, 0)
	require.NoError(t, err)
	require.Equal(t, len(p), n)
	require.NoError(t, f.Flush(ctx))
}

func TestFileSystemBufferedIO(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	f := tfs.newFile(false)

	data := pattern(10000, 1)
	n, err := f.WriteAt(ctx, data, 100)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(10100), f.Size())
	require.Equal(t, uint64(3), f.Inode().DelayedBlocks)
	tfs.requireConsistent(t)

	expected := append(make([]byte, 100), data...)
	require.Equal(t, expected, readAll(t, f))

	// Writing back the pages should turn the delayed allocations
	// into real blocks. Reading afterwards should yield the same
	// data, even if it is loaded from the device.
	require.NoError(t, f.Flush(ctx))
	require.Equal(t, uint64(0), f.Inode().DelayedBlocks)
	require.Equal(t, uint64(3), f.Inode().NBlocks)
	tfs.requireConsistent(t)

	f.InvalidateRange(0, f.Size())
	require.Equal(t, expected, readAll(t, f))

	t.Run("ReadBeyondEnd", func(t *testing.T) {
		p := make([]byte, 10)
		n, err := f.ReadAt(p, 10100)
		require.Equal(t, io.EOF, err)
		require.Equal(t, 0, n)
	})

	t.Run("NegativeOffset", func(t *testing.T) {
		_, err := f.WriteAt(ctx, []byte("Hello"), -1)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Negative offset: -1"), err)
	})
}

func TestFileSystemClone(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	src := tfs.newFile(false)
	data := pattern(3*blockSize+100, 2)
	writeFile(ctx, t, src, data)

	dst := tfs.newFile(false)
	n, err := tfs.Clone(ctx, src, 0, dst, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, int64(len(data)), dst.Size())
	require.Equal(t, data, readAll(t, dst))
	require.True(t, src.Inode().IsReflink())
	require.True(t, dst.Inode().IsReflink())
	tfs.requireSharing(t, src, 2)
	tfs.requireConsistent(t)

	t.Run("BufferedWrite", func(t *testing.T) {
		// Overwriting part of a shared block should cause it
		// to be copied, leaving the source file untouched.
		n, err := dst.WriteAt(ctx, []byte("Hello"), 10)
		require.NoError(t, err)
		require.Equal(t, 5, n)
		tfs.requireConsistent(t)
		require.NoError(t, dst.Flush(ctx))
		tfs.requireConsistent(t)

		expected := append([]byte(nil), data...)
		copy(expected[10:], "Hello")
		require.Equal(t, expected, readAll(t, dst))
		require.Equal(t, data, readAll(t, src))

		srcFirst, _ := src.Inode().DataFork.Lookup(0)
		dstFirst, _ := dst.Inode().DataFork.Lookup(0)
		require.NotEqual(t, srcFirst.Block, dstFirst.Block)
		require.Equal(t, uint64(1), tfs.refcounts.Refcount(srcFirst.Block))
		require.Equal(t, uint64(1), tfs.refcounts.Refcount(dstFirst.Block))
	})

	t.Run("Close", func(t *testing.T) {
		// The copy was rounded up to the CoW extent size hint.
		// Closing the file should release the part of the
		// staging extent that was never written.
		require.False(t, dst.Inode().CowFork.IsEmpty())
		require.NoError(t, dst.Close(ctx))
		require.True(t, dst.Inode().CowFork.IsEmpty())
		require.True(t, dst.Inode().IsReflink())
		tfs.requireConsistent(t)
	})

	t.Run("DirectWrite", func(t *testing.T) {
		dst := tfs.newFile(false)
		_, err := tfs.Clone(ctx, src, 0, dst, 0, 0, 0)
		require.NoError(t, err)

		block := pattern(blockSize, 3)
		n, err := dst.DirectWriteAt(ctx, block, blockSize)
		require.NoError(t, err)
		require.Equal(t, blockSize, n)
		tfs.requireConsistent(t)

		expected := append([]byte(nil), data...)
		copy(expected[blockSize:], block)
		require.Equal(t, expected, readAll(t, dst))
		require.Equal(t, data, readAll(t, src))
	})

	t.Run("Unaligned", func(t *testing.T) {
		dst := tfs.newFile(false)
		_, err := tfs.Clone(ctx, src, 0, dst, 0, 100, 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Length 100 is not aligned to the block size of 4096 bytes"), err)
		require.Equal(t, int64(0), dst.Size())
	})
}

func TestFileSystemDedupe(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	data := pattern(2*blockSize, 4)
	a := tfs.newFile(false)
	writeFile(ctx, t, a, data)
	b := tfs.newFile(false)
	writeFile(ctx, t, b, data)
	c := tfs.newFile(false)
	writeFile(ctx, t, c, pattern(2*blockSize, 5))

	t.Run("Different", func(t *testing.T) {
		n, err := tfs.Clone(ctx, a, 0, c, 0, 2*blockSize, reflink.RemapDedupe)
		require.NoError(t, err)
		require.Equal(t, int64(0), n)
		tfs.requireSharing(t, c, 1)
		tfs.requireConsistent(t)
	})

	t.Run("Identical", func(t *testing.T) {
		n, err := tfs.Clone(ctx, a, 0, b, 0, 2*blockSize, reflink.RemapDedupe)
		require.NoError(t, err)
		require.Equal(t, int64(2*blockSize), n)
		tfs.requireSharing(t, a, 2)
		require.Equal(t, data, readAll(t, b))
		tfs.requireConsistent(t)
	})
}

func TestFileSystemTruncate(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	f := tfs.newFile(false)
	data := pattern(3*blockSize, 6)
	writeFile(ctx, t, f, data)

	require.NoError(t, f.Truncate(ctx, blockSize+10))
	require.Equal(t, int64(blockSize+10), f.Size())
	require.Equal(t, data[:blockSize+10], readAll(t, f))
	require.Equal(t, uint64(2), f.Inode().NBlocks)
	tfs.requireConsistent(t)

	// Growing the file again may not bring back the old data.
	require.NoError(t, f.Truncate(ctx, 3*blockSize))
	expected := make([]byte, 3*blockSize)
	copy(expected, data[:blockSize+10])
	require.Equal(t, expected, readAll(t, f))
	require.NoError(t, f.Flush(ctx))
	tfs.requireConsistent(t)
}

func TestFileSystemPunchHole(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	f := tfs.newFile(false)
	data := pattern(4*blockSize, 7)
	writeFile(ctx, t, f, data)

	require.NoError(t, f.PunchHole(ctx, blockSize/2, 2*blockSize))
	expected := append([]byte(nil), data...)
	clear(expected[blockSize/2 : 5*blockSize/2])
	require.Equal(t, expected, readAll(t, f))
	require.Equal(t, uint64(3), f.Inode().NBlocks)
	tfs.requireConsistent(t)

	require.NoError(t, f.Flush(ctx))
	f.InvalidateRange(0, f.Size())
	require.Equal(t, expected, readAll(t, f))
	tfs.requireConsistent(t)
}

func TestFileSystemUnshare(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)
	src := tfs.newFile(false)
	data := pattern(4*blockSize, 8)
	writeFile(ctx, t, src, data)
	dst := tfs.newFile(false)
	_, err := tfs.Clone(ctx, src, 0, dst, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, dst.Unshare(ctx, 0, dst.Size()))
	require.False(t, dst.Inode().IsReflink())
	tfs.requireSharing(t, src, 1)
	tfs.requireSharing(t, dst, 1)
	require.Equal(t, data, readAll(t, dst))
	tfs.requireConsistent(t)
}

func TestFileSystemAtomicWrite(t *testing.T) {
	ctx := context.Background()
	tfs := newTestFileSystem(t)

	t.Run("NotAlwaysCoW", func(t *testing.T) {
		f := tfs.newFile(false)
		_, err := f.AtomicWriteAt(ctx, pattern(blockSize, 9), 0)
		testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "Atomic writes require the file to be in always-CoW mode"), err)
	})

	t.Run("TooLarge", func(t *testing.T) {
		f := tfs.newFile(true)
		_, err := f.AtomicWriteAt(ctx, pattern(33*blockSize, 9), 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Atomic write of 33 blocks exceeds the maximum of 32 blocks"), err)
	})

	t.Run("Success", func(t *testing.T) {
		f := tfs.newFile(true)
		first := pattern(2*blockSize, 10)
		n, err := f.AtomicWriteAt(ctx, first, 0)
		require.NoError(t, err)
		require.Equal(t, len(first), n)
		require.Equal(t, first, readAll(t, f))
		tfs.requireConsistent(t)

		// Overwrites are performed out of place, meaning the
		// file ends up using different blocks.
		before, _ := f.Inode().DataFork.Lookup(0)
		second := pattern(blockSize, 11)
		n, err = f.AtomicWriteAt(ctx, second, 0)
		require.NoError(t, err)
		require.Equal(t, len(second), n)
		after, _ := f.Inode().DataFork.Lookup(0)
		require.NotEqual(t, before.Block, after.Block)
		require.Equal(t, append(second, first[blockSize:]...), readAll(t, f))
		tfs.requireConsistent(t)

		require.NoError(t, f.Close(ctx))
		require.True(t, f.Inode().CowFork.IsEmpty())
		tfs.requireConsistent(t)
	})
}

func TestFileSystemOutOfSpace(t *testing.T) {
	ctx := context.Background()

	t.Run("WriteOverHoleAndSharedBlocks", func(t *testing.T) {
		tfs := newTestFileSystem(t)
		src := tfs.newFile(false)
		data := pattern(2*blockSize, 12)
		writeFile(ctx, t, src, data)
		dst := tfs.newFile(false)
		_, err := tfs.Clone(ctx, src, 0, dst, 4*blockSize, 0, 0)
		require.NoError(t, err)

		// The hole at the start of the file can be reserved,
		// but reserving space for copying the shared blocks
		// exceeds the quota. The delayed allocation of the hole
		// should be removed, as there are no pages to write back.
		tfs.quotas.SetLimit(1000, 11)
		n, err := dst.WriteAt(ctx, pattern(6*blockSize, 13), 0)
		require.Equal(t, unix.EDQUOT, re_util.ToErrno(err))
		require.Equal(t, 0, n)
		srcExtent, _ := src.Inode().DataFork.Lookup(0)
		require.Equal(t, []blockmap.Extent{{
			FileOffset: 4,
			Block:      srcExtent.Block,
			Count:      2,
			State:      blockmap.StateNormal,
		}}, dst.Inode().DataFork.Extents())
		require.Equal(t, uint64(0), dst.Inode().DelayedBlocks)
		require.Equal(t, quota.Dquot{Limit: 11, Count: 4}, tfs.quotas.Get(1000))
		tfs.requireConsistent(t)

		// The range can still be cloned.
		tfs.quotas.SetLimit(1000, 0)
		copied := tfs.newFile(false)
		_, err = tfs.Clone(ctx, dst, 0, copied, 0, 0, 0)
		require.NoError(t, err)
		require.Equal(t, append(make([]byte, 4*blockSize), data...), readAll(t, copied))
		tfs.requireConsistent(t)
	})

	t.Run("TruncateFullDevice", func(t *testing.T) {
		tfs := newTestFileSystem(t)
		f := tfs.newFile(false)
		writeFile(ctx, t, f, pattern(2*blockSize, 14))
		n, err := f.WriteAt(ctx, pattern(2*blockSize, 15), 2*blockSize)
		require.NoError(t, err)
		require.Equal(t, 2*blockSize, n)

		// Releasing the delayed allocations provides the space
		// needed to release the blocks backed by storage.
		full := tfs.space.Available()
		require.NoError(t, tfs.space.Reserve(full))
		require.NoError(t, f.Truncate(ctx, 0))
		require.True(t, f.Inode().DataFork.IsEmpty())
		require.Equal(t, uint64(0), f.Inode().DelayedBlocks)
		tfs.space.Release(full)
		tfs.requireConsistent(t)
	})

	t.Run("PunchHoleFullDevice", func(t *testing.T) {
		tfs := newTestFileSystem(t)
		f := tfs.newFile(false)
		data := pattern(4*blockSize, 16)
		writeFile(ctx, t, f, data)

		full := tfs.space.Available()
		require.NoError(t, tfs.space.Reserve(full))
		err := f.PunchHole(ctx, blockSize, 2*blockSize)
		require.Equal(t, unix.ENOSPC, re_util.ToErrno(err))
		tfs.space.Release(full)

		require.Equal(t, data, readAll(t, f))
		require.Equal(t, uint64(4), f.Inode().NBlocks)
		tfs.requireConsistent(t)
	})

	t.Run("ZeroSharedBlocksQuotaExceeded", func(t *testing.T) {
		tfs := newTestFileSystem(t)
		src := tfs.newFile(false)
		data := pattern(4*blockSize, 17)
		writeFile(ctx, t, src, data)
		dst := tfs.newFile(false)
		_, err := tfs.Clone(ctx, src, 0, dst, 0, 0, 0)
		require.NoError(t, err)

		// Zeroing part of a shared block requires it to be
		// copied. If no quota is available, the operations fail
		// without dirtying any pages.
		tfs.quotas.SetLimit(1000, 8)
		err = dst.Truncate(ctx, blockSize+10)
		require.Equal(t, unix.EDQUOT, re_util.ToErrno(err))
		err = dst.PunchHole(ctx, blockSize/2, blockSize)
		require.Equal(t, unix.EDQUOT, re_util.ToErrno(err))
		err = dst.Unshare(ctx, 0, dst.Size())
		require.Equal(t, unix.EDQUOT, re_util.ToErrno(err))
		require.Equal(t, int64(4*blockSize), dst.Size())
		require.Equal(t, data, readAll(t, dst))
		require.True(t, dst.Inode().CowFork.IsEmpty())
		require.NoError(t, dst.Close(ctx))
		tfs.requireConsistent(t)

		// With quota available, the shared block is copied
		// once the file is closed.
		tfs.quotas.SetLimit(1000, 0)
		require.NoError(t, dst.Truncate(ctx, blockSize+10))
		require.NoError(t, dst.Close(ctx))
		require.Equal(t, data[:blockSize+10], readAll(t, dst))
		require.Equal(t, data, readAll(t, src))
		require.Equal(t, uint64(2), dst.Inode().NBlocks)
		srcExtent, _ := src.Inode().DataFork.Lookup(0)
		require.Equal(t, uint64(2), tfs.refcounts.Refcount(srcExtent.Block))
		require.Equal(t, uint64(1), tfs.refcounts.Refcount(srcExtent.Block+1))
		tfs.requireConsistent(t)
	})
}

func TestInMemoryDevice(t *testing.T) {
	device := fileio.NewInMemoryDevice(16)

	n, err := device.WriteAt([]byte("Hello"), 4)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	p := make([]byte, 16)
	n, err = device.ReadAt(p[:8], 12)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 4, n)

	n, err = device.ReadAt(p, 0)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.True(t, bytes.HasPrefix(p[4:], []byte("Hello")))

	_, err = device.WriteAt([]byte("Hello"), 12)
	testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Write of 5 bytes at offset 12 exceeds the device size of 16 bytes"), err)
	require.NoError(t, device.Sync())
	require.NoError(t, device.Close())
}
