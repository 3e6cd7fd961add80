package reflink

import (
	"context"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/util"

	"go.uber.org/zap"
)

func inodeField(ip *inode.Inode) zap.Field {
	return zap.Uint64("inode", uint64(ip.Number()))
}

func extentField(key string, e blockmap.Extent) zap.Field {
	return zap.Stringer(key, e)
}

// markCorrupted records that a fork of an inode is inconsistent, so
// that it can be picked up by repair tooling. The operation that
// detected the inconsistency fails, but other operations against the
// inode remain permitted.
func markCorrupted(ctx context.Context, ip *inode.Inode, health inode.Health, format string, args ...any) error {
	err := util.NewCorruptedError(format, args...)
	ip.MarkSick(health)
	logger.Error(ctx, "Inode metadata is inconsistent", inodeField(ip), zap.Error(err))
	return err
}

// checkCorrupted marks a fork of an inode as sick if an error returned
// by the refcount index or a fork indicates that metadata is
// inconsistent.
func checkCorrupted(ctx context.Context, ip *inode.Inode, health inode.Health, err error) error {
	if util.IsCorruptedError(err) {
		ip.MarkSick(health)
		logger.Error(ctx, "Inode metadata is inconsistent", inodeField(ip), zap.Error(err))
	}
	return err
}
