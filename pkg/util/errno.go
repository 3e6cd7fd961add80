package util

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Messages of errors that have a filesystem specific meaning. Both
// running out of space and running out of quota are reported with
// codes.ResourceExhausted. The message is what allows callers that
// need an errno to tell them apart.
const (
	noSpaceMessage       = "No space left on device"
	quotaExceededMessage = "Disk quota exceeded"
	corruptedMessage     = "Structure needs cleaning"
)

// NewNoSpaceError creates an error that corresponds to ENOSPC.
func NewNoSpaceError(format string, args ...any) error {
	return status.Error(codes.ResourceExhausted, noSpaceMessage+": "+fmt.Sprintf(format, args...))
}

// NewQuotaExceededError creates an error that corresponds to EDQUOT.
func NewQuotaExceededError(format string, args ...any) error {
	return status.Error(codes.ResourceExhausted, quotaExceededMessage+": "+fmt.Sprintf(format, args...))
}

// NewCorruptedError creates an error that corresponds to
// EFSCORRUPTED. It is returned when metadata is found to be
// inconsistent.
func NewCorruptedError(format string, args ...any) error {
	return status.Error(codes.DataLoss, corruptedMessage+": "+fmt.Sprintf(format, args...))
}

// IsSpaceOrQuotaError returns true if an error was caused by the
// device running out of space, or the owner of a file exceeding its
// quota.
func IsSpaceOrQuotaError(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

// IsCorruptedError returns true if an error was caused by
// inconsistent metadata.
func IsCorruptedError(err error) bool {
	return status.Code(err) == codes.DataLoss
}

// ToErrno converts an error returned by this module to the errno
// value that a system call should return.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return unix.EINTR
	}
	s := status.Convert(err)
	switch s.Code() {
	case codes.OK:
		return 0
	case codes.ResourceExhausted:
		if strings.Contains(s.Message(), quotaExceededMessage) {
			return unix.EDQUOT
		}
		return unix.ENOSPC
	case codes.DataLoss:
		return unix.EUCLEAN
	case codes.Canceled, codes.DeadlineExceeded:
		return unix.EINTR
	case codes.InvalidArgument, codes.OutOfRange:
		return unix.EINVAL
	case codes.NotFound:
		return unix.ENOENT
	case codes.FailedPrecondition:
		return unix.EBUSY
	case codes.Unimplemented:
		return unix.EOPNOTSUPP
	case codes.PermissionDenied:
		return unix.EPERM
	default:
		return unix.EIO
	}
}
