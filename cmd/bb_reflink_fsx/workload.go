package main

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"

	"github.com/buildbarn/bb-reflink/internal/logger"
	configuration "github.com/buildbarn/bb-reflink/pkg/configuration/bb_reflink_fsx"
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/util"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var operationNames = []string{
	"write",
	"direct_write",
	"atomic_write",
	"read",
	"flush",
	"clone",
	"dedupe",
	"truncate",
	"punch_hole",
	"unshare",
	"close",
}

type operationStats struct {
	runs       int
	rejected   int
	outOfSpace int
}

// fsxFile is a file under test, together with the contents it is
// expected to have.
type fsxFile struct {
	number   int
	file     *fileio.File
	expected []byte
}

func (f *fsxFile) resize(size int64) {
	if size <= int64(len(f.expected)) {
		f.expected = f.expected[:size]
	} else {
		f.expected = append(f.expected, make([]byte, size-int64(len(f.expected)))...)
	}
}

func (f *fsxFile) writeAt(p []byte, off int64) {
	if end := off + int64(len(p)); end > int64(len(f.expected)) {
		f.resize(end)
	}
	copy(f.expected[off:], p)
}

type workload struct {
	fs             *fileio.FileSystem
	engine         *reflink.Engine
	configuration  *configuration.WorkloadConfiguration
	random         *rand.Rand
	blockSizeBytes int64
	files          []*fsxFile

	stats        map[string]*operationStats
	bytesWritten uint64
	bytesCloned  uint64
}

func newWorkload(fs *fileio.FileSystem, engine *reflink.Engine, workloadConfiguration *configuration.WorkloadConfiguration) *workload {
	seed := uint64(workloadConfiguration.Seed)
	w := &workload{
		fs:             fs,
		engine:         engine,
		configuration:  workloadConfiguration,
		random:         rand.New(rand.NewPCG(seed, seed)),
		blockSizeBytes: engine.BlockSizeBytes(),
		stats:          map[string]*operationStats{},
	}
	for _, name := range operationNames {
		w.stats[name] = &operationStats{}
	}
	for i := 0; i < workloadConfiguration.Files; i++ {
		owner := uint32(1000 + i%workloadConfiguration.Owners)
		alwaysCoW := w.random.Float64() < workloadConfiguration.AlwaysCowRatio
		w.files = append(w.files, &fsxFile{
			number: i,
			file:   fs.NewFile(owner, alwaysCoW),
		})
	}
	return w
}

func (w *workload) maximumFileSize() int64 {
	return int64(w.configuration.MaximumFileSizeBytes)
}

func (w *workload) randomFile() *fsxFile {
	return w.files[w.random.IntN(len(w.files))]
}

// randomRange returns a byte range that lies within the maximum file
// size. If aligned is set, both the offset and the length are
// multiples of the block size.
func (w *workload) randomRange(aligned bool) (int64, int64) {
	maximumSize := w.maximumFileSize()
	maximumLength := min(int64(w.configuration.MaximumIOSizeBytes), maximumSize)
	if aligned {
		blocks := maximumSize / w.blockSizeBytes
		maximumBlocks := max(maximumLength/w.blockSizeBytes, 1)
		offset := w.random.Int64N(blocks)
		length := 1 + w.random.Int64N(min(maximumBlocks, blocks-offset))
		return offset * w.blockSizeBytes, length * w.blockSizeBytes
	}
	offset := w.random.Int64N(maximumSize)
	return offset, 1 + w.random.Int64N(min(maximumLength, maximumSize-offset))
}

func (w *workload) randomData(length int64) []byte {
	p := make([]byte, length)
	for i := range p {
		p[i] = byte(w.random.Uint32())
	}
	return p
}

func (w *workload) run(ctx context.Context) error {
	for i := 0; i < w.configuration.Operations; i++ {
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		name := operationNames[w.random.IntN(len(operationNames))]
		ctxWithOperation := logger.With(ctx, zap.Int("operation", i), zap.String("type", name))
		if err := w.runOperation(ctxWithOperation, name); err != nil {
			return util.StatusWrapf(err, "Operation %d (%s) failed", i, name)
		}
		if w.configuration.CheckEveryOperation {
			if err := w.check(); err != nil {
				return util.StatusWrapf(err, "Inconsistency after operation %d (%s)", i, name)
			}
		}
	}

	for _, f := range w.files {
		if err := f.file.Close(ctx); err != nil {
			return util.StatusWrapf(err, "Failed to close file %d", f.number)
		}
		if err := w.verify(f, 0, int64(len(f.expected))); err != nil {
			return err
		}
	}
	return w.check()
}

func (w *workload) check() error {
	inodes := make([]*inode.Inode, 0, len(w.files))
	for _, f := range w.files {
		inodes = append(inodes, f.file.Inode())
	}
	return w.engine.Check(inodes)
}

// runOperation runs a single operation of a given type. Running out of
// space or quota is not considered a failure. As operations may have
// partially completed in that case, the expected contents of the
// affected file are reloaded.
func (w *workload) runOperation(ctx context.Context, name string) error {
	s := w.stats[name]
	s.runs++
	affected, err := w.dispatch(ctx, name)
	switch {
	case err == nil:
		return nil
	case re_util.IsSpaceOrQuotaError(err):
		logger.Debug(ctx, "Operation ran out of space", zap.Error(err))
		s.outOfSpace++
		if affected != nil {
			return w.reload(affected)
		}
		return nil
	case status.Code(err) == codes.InvalidArgument:
		logger.Debug(ctx, "Operation rejected", zap.Error(err))
		s.rejected++
		return nil
	default:
		return err
	}
}

func (w *workload) dispatch(ctx context.Context, name string) (*fsxFile, error) {
	f := w.randomFile()
	switch name {
	case "write":
		offset, length := w.randomRange(false)
		p := w.randomData(length)
		n, err := f.file.WriteAt(ctx, p, offset)
		if n > 0 {
			f.writeAt(p[:n], offset)
			w.bytesWritten += uint64(n)
		}
		return f, err
	case "direct_write":
		offset, length := w.randomRange(true)
		p := w.randomData(length)
		n, err := f.file.DirectWriteAt(ctx, p, offset)
		if n > 0 {
			f.writeAt(p[:n], offset)
			w.bytesWritten += uint64(n)
		}
		return f, err
	case "atomic_write":
		if !f.file.Inode().IsAlwaysCoW() {
			return nil, nil
		}
		offset, length := w.randomRange(true)
		length = min(length, int64(w.engine.MaxAtomicCow())*w.blockSizeBytes)
		if length == 0 {
			return nil, nil
		}
		p := w.randomData(length)
		if _, err := f.file.AtomicWriteAt(ctx, p, offset); err != nil {
			// Failed atomic writes leave no trace.
			return nil, err
		}
		f.writeAt(p, offset)
		w.bytesWritten += uint64(length)
		return f, nil
	case "read":
		offset, length := w.randomRange(false)
		return nil, w.verify(f, offset, length)
	case "flush":
		return nil, f.file.Flush(ctx)
	case "clone":
		return w.clone(ctx, f, 0)
	case "dedupe":
		return w.clone(ctx, f, reflink.RemapDedupe)
	case "truncate":
		size := w.random.Int64N(w.maximumFileSize() + 1)
		if err := f.file.Truncate(ctx, size); err != nil {
			return f, err
		}
		f.resize(size)
		return f, nil
	case "punch_hole":
		offset, length := w.randomRange(false)
		if err := f.file.PunchHole(ctx, offset, length); err != nil {
			return f, err
		}
		if size := int64(len(f.expected)); offset < size {
			clear(f.expected[offset:min(offset+length, size)])
		}
		return f, nil
	case "unshare":
		return f, f.file.Unshare(ctx, 0, f.file.Size())
	case "close":
		return f, f.file.Close(ctx)
	default:
		panic("Unknown operation " + name)
	}
}

// clone shares a block aligned range of a randomly chosen file with
// another file. If the range reaches the end of the source file, it
// may end with a partial block.
func (w *workload) clone(ctx context.Context, dst *fsxFile, flags reflink.RemapFlags) (*fsxFile, error) {
	src := w.randomFile()
	sizeIn := int64(len(src.expected))
	if src == dst || sizeIn == 0 {
		return nil, nil
	}
	bs := w.blockSizeBytes
	posIn := w.random.Int64N((sizeIn+bs-1)/bs) * bs
	posOut, length := w.randomRange(true)
	if flags&reflink.RemapDedupe != 0 {
		// Deduplication only succeeds if both ranges are
		// identical, which is most likely at equal offsets.
		posOut = posIn
	}
	if w.random.IntN(2) == 0 {
		length = sizeIn - posIn
	}
	if posOut+length > w.maximumFileSize() {
		return nil, nil
	}

	n, err := w.fs.Clone(ctx, src.file, posIn, dst.file, posOut, length, flags)
	if n > 0 {
		dst.writeAt(src.expected[posIn:posIn+n], posOut)
		w.bytesCloned += uint64(n)
	}
	return dst, err
}

// verify compares a range of the contents of a file with the expected
// contents.
func (w *workload) verify(f *fsxFile, offset, length int64) error {
	size := f.file.Size()
	if expectedSize := int64(len(f.expected)); size != expectedSize {
		return status.Errorf(codes.Internal, "File %d has size %d, while %d was expected", f.number, size, expectedSize)
	}
	if offset >= size {
		return nil
	}
	length = min(length, size-offset)
	p := make([]byte, length)
	n, err := f.file.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return util.StatusWrapf(err, "Failed to read file %d", f.number)
	}
	if int64(n) != length {
		return status.Errorf(codes.Internal, "Read of file %d at offset %d returned %d bytes, while %d were expected", f.number, offset, n, length)
	}
	expected := f.expected[offset : offset+length]
	if !bytes.Equal(p, expected) {
		for i := range p {
			if p[i] != expected[i] {
				return status.Errorf(codes.Internal, "File %d contains 0x%02x at offset %d, while 0x%02x was expected", f.number, p[i], offset+int64(i), expected[i])
			}
		}
	}
	return nil
}

// reload replaces the expected contents of a file with its actual
// contents.
func (w *workload) reload(f *fsxFile) error {
	p := make([]byte, f.file.Size())
	n, err := f.file.ReadAt(p, 0)
	if err != nil && err != io.EOF {
		return util.StatusWrapf(err, "Failed to reload file %d", f.number)
	}
	f.expected = p[:n]
	return nil
}
