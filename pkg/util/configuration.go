package util

import (
	"bytes"
	"encoding/json"

	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// UnmarshalConfigurationFromFile evaluates a Jsonnet file and stores
// the resulting object in a struct. Environment variables are made
// available through std.extVar(). Fields that are not part of the
// struct are rejected.
//
// Evaluation is performed by bb-storage, which yields a Protobuf
// message. As the configuration of this module is not described in
// Protobuf, the object is first stored in a google.protobuf.Struct,
// and converted to the struct from there.
func UnmarshalConfigurationFromFile(path string, configuration any) error {
	var object structpb.Struct
	if err := util.UnmarshalConfigurationFromFile(path, &object); err != nil {
		return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to load %#v", path)
	}
	data, err := protojson.Marshal(&object)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to load %#v", path)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(configuration); err != nil {
		return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to unmarshal %#v", path)
	}
	return nil
}
