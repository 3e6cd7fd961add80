package transaction

// Reservation describes the resources a transaction needs to acquire
// before it may start making modifications.
type Reservation struct {
	// Name of the reservation, used for metrics and logging.
	Name string
	// Number of units of log space that are consumed while the
	// transaction is running.
	LogUnits int64
	// Number of blocks that the transaction may allocate, either
	// for file contents or for splitting metadata records.
	Blocks uint64
	// Whether the transaction may proceed if the blocks cannot be
	// reserved. This is used by transactions that complete work
	// for which space was already accounted, such as remapping
	// staging extents into the data fork.
	AllowReservePool bool
}

const (
	writeLogUnits               = 4
	iChangeLogUnits             = 1
	atomicIOEndLogUnitsPerBlock = 2
)

// Write returns the reservation of a transaction that modifies the
// block mapping of a single extent.
func Write(blocks uint64) Reservation {
	return Reservation{
		Name:     "write",
		LogUnits: writeLogUnits,
		Blocks:   blocks,
	}
}

// IChange returns the reservation of a transaction that only changes
// attributes of inodes.
func IChange() Reservation {
	return Reservation{
		Name:     "ichange",
		LogUnits: iChangeLogUnits,
	}
}

// AtomicIOEnd returns the reservation of a transaction that remaps
// all staging extents of an atomic write into the data fork. In the
// worst case every block ends up being a separate extent.
func AtomicIOEnd(fileBlocks, blocks uint64) Reservation {
	return Reservation{
		Name:             "atomic_ioend",
		LogUnits:         int64(fileBlocks) * atomicIOEndLogUnitsPerBlock,
		Blocks:           blocks,
		AllowReservePool: true,
	}
}

// MaxAtomicIOEndBlocks returns the largest number of file blocks for
// which an AtomicIOEnd reservation fits in the log.
func MaxAtomicIOEndBlocks(logCapacity int64) uint64 {
	if logCapacity <= 0 {
		return 0
	}
	return uint64(logCapacity / atomicIOEndLogUnitsPerBlock)
}
