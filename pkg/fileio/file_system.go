package fileio

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/btree"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileSystem stores the contents of files on a block device, using an
// Engine to keep track of which blocks belong to which files. Files
// may share blocks with each other through Clone().
//
// Block numbers handed out by the engine start at one. Block n is
// stored at byte offset (n-1)*blockSize of the device.
type FileSystem struct {
	engine         *reflink.Engine
	remapper       reflink.Remapper
	device         blockdevice.BlockDevice
	blockSizeBytes int64
	btreeThreshold int

	lock       sync.Mutex
	nextNumber inode.Number
}

// NewFileSystem creates a FileSystem. Operations that are part of the
// Remapper interface are called through remapper, so that they may be
// decorated with metrics and tracing. Other operations are called
// against the engine directly.
func NewFileSystem(engine *reflink.Engine, remapper reflink.Remapper, device blockdevice.BlockDevice, btreeThreshold int) *FileSystem {
	return &FileSystem{
		engine:         engine,
		remapper:       remapper,
		device:         device,
		blockSizeBytes: engine.BlockSizeBytes(),
		btreeThreshold: btreeThreshold,
		nextNumber:     1,
	}
}

// NewFile creates a new empty file, owned by a given user. If
// alwaysCoW is set, all writes to the file are performed out of place.
func (fs *FileSystem) NewFile(owner uint32, alwaysCoW bool) *File {
	fs.lock.Lock()
	number := fs.nextNumber
	fs.nextNumber++
	fs.lock.Unlock()

	ip := fs.engine.NewInode(number, owner, fs.btreeThreshold)
	if alwaysCoW {
		ip.Flags |= inode.FlagAlwaysCoW
	}
	f := &File{
		fs:    fs,
		ip:    ip,
		pages: btree.NewG(16, pageLess),
	}
	ip.SetAddressSpace(f)
	return f
}

// Recover frees all staging extents that were left behind by a
// previous instance. It must be called before any files are accessed.
func (fs *FileSystem) Recover(ctx context.Context) error {
	return fs.engine.RecoverCow(ctx)
}

// Clone shares a range of blocks of one file with another file. The
// number of bytes that are shared is returned. It may be non-zero even
// if an error is returned, as ranges are shared one extent at a time.
//
// If flags contains RemapDedupe, blocks are only shared if the
// contents of both ranges are identical. If they differ, zero is
// returned.
func (fs *FileSystem) Clone(ctx context.Context, src *File, posIn int64, dst *File, posOut, length int64, flags reflink.RemapFlags) (int64, error) {
	length, unlock, err := fs.remapper.RemapPrep(ctx, src.ip, posIn, dst.ip, posOut, length, flags)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if length == 0 {
		return 0, nil
	}

	if flags&reflink.RemapDedupe != 0 {
		equal, err := fs.rangesEqual(src, posIn, dst, posOut, length)
		if err != nil {
			return 0, util.StatusWrap(err, "Failed to compare ranges")
		}
		if !equal {
			return 0, nil
		}
	}

	remapped, err := fs.remapper.RemapBlocks(ctx, src.ip, posIn, dst.ip, posOut, length)
	if err != nil {
		logger.Warn(ctx, "Clone interrupted", zap.Uint64("source_inode", uint64(src.ip.Number())), zap.Uint64("destination_inode", uint64(dst.ip.Number())), zap.Int64("remapped", remapped), zap.Error(err))
		return remapped, err
	}

	// The CoW extent size hint is only carried over if the file
	// is cloned as a whole.
	var cowExtSize uint64
	src.ip.Lock(inode.ILockShared)
	if posIn == 0 && posOut == 0 && length == src.ip.Size && src.ip.Flags&inode.FlagCowExtSize != 0 {
		cowExtSize = src.ip.CowExtSize
	}
	src.ip.Unlock(inode.ILockShared)
	if err := fs.remapper.UpdateDest(ctx, dst.ip, posOut+remapped, cowExtSize); err != nil {
		return remapped, util.StatusWrap(err, "Failed to update destination file")
	}
	return remapped, nil
}

// rangesEqual compares the contents of two ranges of files. The caller
// must hold the IOLOCK of both files.
func (fs *FileSystem) rangesEqual(a *File, offsetA int64, b *File, offsetB, length int64) (bool, error) {
	bufA := make([]byte, fs.blockSizeBytes)
	bufB := make([]byte, fs.blockSizeBytes)
	for done := int64(0); done < length; {
		chunk := min(length-done, fs.blockSizeBytes)
		if _, err := a.readAtLocked(bufA[:chunk], offsetA+done); err != nil && err != io.EOF {
			return false, err
		}
		if _, err := b.readAtLocked(bufB[:chunk], offsetB+done); err != nil && err != io.EOF {
			return false, err
		}
		if !bytes.Equal(bufA[:chunk], bufB[:chunk]) {
			return false, nil
		}
		done += chunk
	}
	return true, nil
}

// toDeviceOffset converts a block number to a byte offset on the block
// device.
func (fs *FileSystem) toDeviceOffset(block uint64) int64 {
	return int64(block-1) * fs.blockSizeBytes
}

func (fs *FileSystem) readBlocks(p []byte, block uint64) error {
	n, err := fs.device.ReadAt(p, fs.toDeviceOffset(block))
	if err != nil && err != io.EOF {
		return err
	}
	if n != len(p) {
		return status.Errorf(codes.Internal, "Read against block device returned %d bytes, while %d bytes were expected", n, len(p))
	}
	return nil
}

func (fs *FileSystem) writeBlocks(p []byte, block uint64) error {
	if _, err := fs.device.WriteAt(p, fs.toDeviceOffset(block)); err != nil {
		return util.StatusWrapf(err, "Failed to write to blocks at %d", block)
	}
	return nil
}
