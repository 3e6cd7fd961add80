package inode_test

import (
	"sync"
	"testing"
	"time"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/stretchr/testify/require"
)

func TestInodeSnapshot(t *testing.T) {
	ip := inode.New(12, 1000, 0)
	require.NoError(t, ip.DataFork.Map(blockmap.Extent{FileOffset: 0, Block: 10, Count: 4, State: blockmap.StateNormal}))
	ip.Size = 4096 * 4
	ip.NBlocks = 4
	restore := ip.Snapshot()

	// Modify all state, including the forks.
	ip.DataFork.Unmap(0, 2)
	require.NoError(t, ip.CowFork.Map(blockmap.NewDelayed(0, 2)))
	ip.Size = 100
	ip.NBlocks = 2
	ip.DelayedBlocks = 2
	ip.Flags |= inode.FlagReflink

	restore()
	require.Equal(t, []blockmap.Extent{{FileOffset: 0, Block: 10, Count: 4, State: blockmap.StateNormal}}, ip.DataFork.Extents())
	require.True(t, ip.CowFork.IsEmpty())
	require.Equal(t, int64(4096*4), ip.Size)
	require.Equal(t, uint64(4), ip.NBlocks)
	require.Equal(t, uint64(0), ip.DelayedBlocks)
	require.False(t, ip.IsReflink())
}

func TestInodeHealth(t *testing.T) {
	ip := inode.New(12, 1000, 0)
	require.Equal(t, inode.Health(0), ip.Sick())
	ip.MarkSick(inode.SickDataFork)
	ip.MarkSick(inode.SickCowFork)
	require.Equal(t, inode.SickDataFork|inode.SickCowFork, ip.Sick())
}

func TestInodeDirectIO(t *testing.T) {
	ip := inode.New(12, 1000, 0)
	ip.WaitForDirectIO()

	ip.DirectIOBegin()
	require.True(t, ip.DirectIOInFlight())
	done := make(chan struct{})
	go func() {
		ip.WaitForDirectIO()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Waiting for direct I/O completed while I/O was in flight")
	case <-time.After(10 * time.Millisecond):
	}
	ip.DirectIOEnd()
	<-done
	require.False(t, ip.DirectIOInFlight())
}

func TestLockTwo(t *testing.T) {
	a := inode.New(1, 1000, 0)
	b := inode.New(2, 1000, 0)

	t.Run("SameInode", func(t *testing.T) {
		unlock := inode.LockTwo(a, a, inode.IOLockExclusive|inode.ILockExclusive)
		unlock()
		a.Lock(inode.ILockExclusive)
		a.Unlock(inode.ILockExclusive)
	})

	t.Run("OppositeOrder", func(t *testing.T) {
		// Goroutines locking the same pair of inodes in
		// opposite argument order must not deadlock.
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					var unlock func()
					if i%2 == 0 {
						unlock = inode.LockTwo(a, b, inode.IOLockExclusive|inode.MMAPLockExclusive|inode.ILockExclusive)
					} else {
						unlock = inode.LockTwo(b, a, inode.IOLockExclusive|inode.MMAPLockExclusive|inode.ILockExclusive)
					}
					unlock()
				}
			}(i)
		}
		wg.Wait()
	})

	t.Run("SharedLocks", func(t *testing.T) {
		unlock1 := inode.LockTwo(a, b, inode.ILockShared)
		unlock2 := inode.LockTwo(b, a, inode.ILockShared)
		unlock2()
		unlock1()
	})
}
