package util

import (
	"encoding/json"

	"github.com/dustin/go-humanize"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ByteSize is a size in bytes. In configuration files it may either be
// specified as a number, or as a string like "64 MiB".
type ByteSize uint64

// UnmarshalJSON parses a size that is either a JSON number or a
// string accepted by humanize.ParseBytes().
func (s *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = ByteSize(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return status.Errorf(codes.InvalidArgument, "Size %s is neither a number nor a string", data)
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Invalid size %#v: %s", str, err)
	}
	*s = ByteSize(n)
	return nil
}

func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}
