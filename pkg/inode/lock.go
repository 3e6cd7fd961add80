package inode

import (
	"sync"

	re_sync "github.com/buildbarn/bb-reflink/pkg/sync"
)

// LockFlags describes a set of inode locks, and the mode in which
// they are held.
//
// Inodes have three locks, which must be acquired in the following
// order: IOLOCK serializes I/O against the file, MMAPLOCK serializes
// page faults and ILOCK protects the in-core state of the inode,
// including its forks.
type LockFlags uint32

const (
	IOLockShared LockFlags = 1 << iota
	IOLockExclusive
	MMAPLockShared
	MMAPLockExclusive
	ILockShared
	ILockExclusive
)

// Lock classes, in the order in which they are acquired.
const (
	classIOLock = iota
	classMMAPLock
	classILock
)

type lockRequest struct {
	class  uint64
	locker sync.Locker
}

func selectMode(lock *sync.RWMutex, flags, shared, exclusive LockFlags) sync.Locker {
	if flags&exclusive != 0 {
		return lock
	}
	if flags&shared != 0 {
		return lock.RLocker()
	}
	return nil
}

func (ip *Inode) lockRequests(flags LockFlags) []lockRequest {
	var requests []lockRequest
	for _, candidate := range []struct {
		class             uint64
		lock              *sync.RWMutex
		shared, exclusive LockFlags
	}{
		{classIOLock, &ip.iolock, IOLockShared, IOLockExclusive},
		{classMMAPLock, &ip.mmaplock, MMAPLockShared, MMAPLockExclusive},
		{classILock, &ip.ilock, ILockShared, ILockExclusive},
	} {
		if locker := selectMode(candidate.lock, flags, candidate.shared, candidate.exclusive); locker != nil {
			requests = append(requests, lockRequest{class: candidate.class, locker: locker})
		}
	}
	return requests
}

// Lock one or more locks of the inode.
func (ip *Inode) Lock(flags LockFlags) {
	for _, r := range ip.lockRequests(flags) {
		r.locker.Lock()
	}
}

// Unlock one or more locks of the inode.
func (ip *Inode) Unlock(flags LockFlags) {
	requests := ip.lockRequests(flags)
	for i := len(requests) - 1; i >= 0; i-- {
		requests[i].locker.Unlock()
	}
}

// lockKey orders locks by class first, and inode number second. This
// causes the IOLOCKs of all inodes to be acquired before any of their
// MMAPLOCKs, and so on.
func lockKey(class uint64, number Number) uint64 {
	return class<<62 | uint64(number)&(1<<62-1)
}

// LockTwo acquires the same set of locks on two inodes, in an order
// that prevents deadlocks against other goroutines locking the same
// pair. The inodes may be identical, in which case the locks are only
// acquired once. The returned function releases all locks.
func LockTwo(a, b *Inode, flags LockFlags) func() {
	var lockPile re_sync.LockPile
	if a == b {
		a.Lock(flags)
		return func() { a.Unlock(flags) }
	}
	for _, ip := range []*Inode{a, b} {
		for _, r := range ip.lockRequests(flags) {
			lockPile.Lock(lockKey(r.class, ip.number), r.locker)
		}
	}
	return lockPile.UnlockAll
}
