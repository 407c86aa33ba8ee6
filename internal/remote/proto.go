// Package remote exposes the debugger and the VM over gRPC. The control
// service is described by an embedded .proto file and served with dynamic
// messages, so no generated code is needed on either side.
package remote

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/descriptorpb"
)

var log = commonlog.GetLogger("conductor.remote")

// ServiceName is the fully qualified name of the control service.
const ServiceName = "conductor.remote.v1.Control"

const protoFile = "conductor/remote/v1/control.proto"

//go:embed control.proto
var controlProto string

var (
	loadOnce sync.Once
	service  *desc.ServiceDescriptor
	loadErr  error
)

// Service returns the parsed control service descriptor.
func Service() (*desc.ServiceDescriptor, error) {
	loadOnce.Do(func() {
		parser := protoparse.Parser{
			Accessor: protoparse.FileContentsFromMap(map[string]string{protoFile: controlProto}),
		}
		fds, err := parser.ParseFiles(protoFile)
		if err != nil {
			loadErr = fmt.Errorf("parsing control proto: %w", err)
			return
		}
		service = fds[0].FindService(ServiceName)
		if service == nil {
			loadErr = fmt.Errorf("service %s not found in %s", ServiceName, protoFile)
		}
	})
	return service, loadErr
}

func method(name string) (*desc.MethodDescriptor, error) {
	sd, err := Service()
	if err != nil {
		return nil, err
	}
	md := sd.FindMethodByName(name)
	if md == nil {
		return nil, fmt.Errorf("method %s not found in %s", name, ServiceName)
	}
	return md, nil
}

// fullMethod is the path grpc expects: "/package.Service/Method".
func fullMethod(md *desc.MethodDescriptor) string {
	return "/" + ServiceName + "/" + md.GetName()
}

// fields is a plain view of a dynamic message, keyed by field name.
type fields map[string]interface{}

// fill sets the named fields of msg, converting Go ints to the field's wire
// type. Zero values are left unset.
func fill(msg *dynamic.Message, values fields) error {
	md := msg.GetMessageDescriptor()
	for name, val := range values {
		fd := md.FindFieldByName(name)
		if fd == nil {
			return fmt.Errorf("%s has no field %s", md.GetFullyQualifiedName(), name)
		}
		if fd.IsRepeated() {
			list, ok := val.([]interface{})
			if !ok {
				return fmt.Errorf("field %s: expected a list, got %T", name, val)
			}
			for _, item := range list {
				v, err := protoValue(item, fd)
				if err != nil {
					return fmt.Errorf("field %s: %w", name, err)
				}
				if err := msg.TryAddRepeatedField(fd, v); err != nil {
					return fmt.Errorf("field %s: %w", name, err)
				}
			}
			continue
		}
		v, err := protoValue(val, fd)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		if err := msg.TrySetField(fd, v); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

func protoValue(val interface{}, fd *desc.FieldDescriptor) (interface{}, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT32, descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		switch v := val.(type) {
		case int:
			return int32(v), nil
		case int32:
			return v, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_INT64:
		switch v := val.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		if b, ok := val.(bool); ok {
			return b, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		if s, ok := val.(string); ok {
			return s, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		sub, ok := val.(fields)
		if !ok {
			return nil, fmt.Errorf("expected a message, got %T", val)
		}
		msg := dynamic.NewMessage(fd.GetMessageType())
		if err := fill(msg, sub); err != nil {
			return nil, err
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unsupported conversion of %T to %v", val, fd.GetType())
}

// build creates a message of type md filled with values.
func build(md *desc.MessageDescriptor, values fields) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(md)
	if err := fill(msg, values); err != nil {
		return nil, err
	}
	return msg, nil
}

// Typed accessors for decoded messages. Unset fields read as zero values.

func getString(msg *dynamic.Message, name string) string {
	s, _ := msg.GetFieldByName(name).(string)
	return s
}

func getInt(msg *dynamic.Message, name string) int {
	switch v := msg.GetFieldByName(name).(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func getBool(msg *dynamic.Message, name string) bool {
	b, _ := msg.GetFieldByName(name).(bool)
	return b
}

func getStrings(msg *dynamic.Message, name string) []string {
	list, _ := msg.GetFieldByName(name).([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMessages(msg *dynamic.Message, name string) []*dynamic.Message {
	list, _ := msg.GetFieldByName(name).([]interface{})
	out := make([]*dynamic.Message, 0, len(list))
	for _, item := range list {
		if m, ok := item.(*dynamic.Message); ok {
			out = append(out, m)
		}
	}
	return out
}
