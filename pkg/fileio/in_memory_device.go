package fileio

import (
	"io"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type inMemoryDevice struct {
	lock sync.RWMutex
	data []byte
}

// NewInMemoryDevice creates a BlockDevice that is backed by a byte
// slice. It can be used in tests and by tools that don't need data to
// be persisted.
func NewInMemoryDevice(sizeBytes int) blockdevice.BlockDevice {
	return &inMemoryDevice{
		data: make([]byte, sizeBytes),
	}
}

func (d *inMemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *inMemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative write offset: %d", off)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if off+int64(len(p)) > int64(len(d.data)) {
		return 0, status.Errorf(codes.OutOfRange, "Write of %d bytes at offset %d exceeds the device size of %d bytes", len(p), off, len(d.data))
	}
	return copy(d.data[off:], p), nil
}

func (d *inMemoryDevice) Sync() error {
	return nil
}

func (d *inMemoryDevice) Close() error {
	return nil
}
