package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// descriptorPath names the file descriptor reflection serves for the service.
const descriptorPath = "modelgateway/v1/model_service.proto"

func init() {
	if err := registerDescriptor(); err != nil {
		panic(err)
	}
}

// fileDescriptor describes ModelService the way protoc would for:
//
//	service ModelService {
//	  rpc Compute(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
func fileDescriptor() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(descriptorPath),
		Package:    proto.String("modelgateway.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ModelService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("Compute"),
				InputType:  proto.String(".google.protobuf.Struct"),
				OutputType: proto.String(".google.protobuf.Struct"),
			}},
		}},
	}
}

func registerDescriptor() error {
	if _, err := protoregistry.GlobalFiles.FindFileByPath(descriptorPath); err == nil {
		return nil
	}
	fd, err := protodesc.NewFile(fileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build %s: %w", descriptorPath, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return fmt.Errorf("register %s: %w", descriptorPath, err)
	}
	return nil
}
