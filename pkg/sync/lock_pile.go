package sync

import (
	"sync"
)

type lockHandle struct {
	key       uint64
	lock      sync.Locker
	recursion int
}

// LockPile keeps track of the locks held by a single goroutine. For
// every lock, it keeps track of a recursion count, allowing locks that
// don't support recursion to be acquired multiple times. The
// underlying lock is only unlocked when the recursion count reaches
// zero.
//
// Every lock is identified by a key, such as an inode number. Locks are
// always acquired in increasing key order, which prevents deadlocks
// between goroutines that lock the same set of objects, such as the
// source and destination inode of a remap operation.
//
// As the set of locks held can be extended over time, LockPile may
// need to temporarily unlock one or more locks it held prior to
// acquiring a lock with a lower key. The caller is signalled when this
// happens, so that it may revalidate its state.
type LockPile []lockHandle

func (lp *LockPile) insert(key uint64, newLock sync.Locker, lockedUpTo *int) {
	i := len(*lp)
	for i > 0 {
		lh := &(*lp)[i-1]
		if lh.key == key && lh.lock == newLock {
			lh.recursion++
			return
		} else if key >= lh.key {
			break
		}
		i--
	}

	// Unlock all locks that are stored further within the list, so
	// that Lock() picks them up in sorted order once again.
	for *lockedUpTo > i {
		*lockedUpTo--
		(*lp)[*lockedUpTo].lock.Unlock()
	}

	*lp = append(*lp, lockHandle{})
	copy((*lp)[i+1:], (*lp)[i:])
	(*lp)[i] = lockHandle{key: key, lock: newLock}
}

// Lock a Locker that is identified by a key, adding it to the
// LockPile. This function returns true iff it was capable of acquiring
// the lock without temporarily unlocking one of the locks that were
// already held. Regardless of the return value, the same set of locks
// is held afterwards.
func (lp *LockPile) Lock(key uint64, newLock sync.Locker) bool {
	lockedUpTo := len(*lp)
	originallyLockedUpTo := lockedUpTo
	lp.insert(key, newLock, &lockedUpTo)

	// Acquire the new lock, or reacquire any we had to drop.
	for i := lockedUpTo; i < len(*lp); i++ {
		(*lp)[i].lock.Lock()
	}
	return originallyLockedUpTo == lockedUpTo
}

// Unlock a Locker, removing it from the LockPile.
func (lp *LockPile) Unlock(oldLock sync.Locker) {
	i := 0
	for (*lp)[i].lock != oldLock {
		i++
	}

	if (*lp)[i].recursion > 0 {
		(*lp)[i].recursion--
		return
	}

	(*lp)[i].lock.Unlock()
	copy((*lp)[i:], (*lp)[i+1:])
	*lp = (*lp)[:len(*lp)-1]
}

// UnlockAll unlocks all locks associated with a LockPile, in reverse
// order of acquisition.
func (lp *LockPile) UnlockAll() {
	for i := len(*lp) - 1; i >= 0; i-- {
		(*lp)[i].lock.Unlock()
	}
	*lp = nil
}
