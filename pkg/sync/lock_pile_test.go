package sync_test

import (
	"testing"

	"github.com/buildbarn/bb-reflink/internal/mock"
	"github.com/buildbarn/bb-reflink/pkg/sync"
	"github.com/stretchr/testify/require"

	"go.uber.org/mock/gomock"
)

func TestLockPile(t *testing.T) {
	ctrl := gomock.NewController(t)

	// Locks are acquired in increasing key order, regardless of the
	// order in which they are provided.
	l5 := mock.NewMockLocker(ctrl)
	l9 := mock.NewMockLocker(ctrl)
	lockPile := sync.LockPile{}
	gomock.InOrder(
		l5.EXPECT().Lock(),
		l9.EXPECT().Lock())
	require.True(t, lockPile.Lock(5, l5))
	require.True(t, lockPile.Lock(9, l9))

	// Acquiring a lock with a lower key requires that the locks with
	// higher keys are dropped temporarily.
	l7 := mock.NewMockLocker(ctrl)
	gomock.InOrder(
		l9.EXPECT().Unlock(),
		l7.EXPECT().Lock(),
		l9.EXPECT().Lock())
	require.False(t, lockPile.Lock(7, l7))

	// Recursively acquiring a lock has no effect.
	require.True(t, lockPile.Lock(5, l5))
	lockPile.Unlock(l5)

	l9.EXPECT().Unlock()
	lockPile.Unlock(l9)

	gomock.InOrder(
		l7.EXPECT().Unlock(),
		l5.EXPECT().Unlock())
	lockPile.UnlockAll()
	require.Empty(t, lockPile)
}
