package reflink

import (
	"context"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
)

// Remapper contains the operations of Engine that are invoked by the
// I/O path and by requests to share or unshare ranges of files. It
// exists, so that these operations can be decorated with metrics and
// tracing.
type Remapper interface {
	TrimAroundShared(ip *inode.Inode, imap *blockmap.Extent) (bool, error)
	AllocateCow(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags, convertNow bool) (blockmap.Extent, bool, error)
	ConvertCow(ctx context.Context, ip *inode.Inode, offset, count int64) error
	EndCow(ctx context.Context, ip *inode.Inode, offset, count int64) error
	EndCowAtomic(ctx context.Context, ip *inode.Inode, offset, count int64) error
	RemapPrep(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, func(), error)
	RemapBlocks(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64) (int64, error)
	UpdateDest(ctx context.Context, dst *inode.Inode, newLength int64, cowExtSize uint64) error
	CancelCowRange(ctx context.Context, ip *inode.Inode, offset, count int64, cancelReal bool) error
	Unshare(ctx context.Context, ip *inode.Inode, offset, length int64) error
}

var _ Remapper = (*Engine)(nil)
