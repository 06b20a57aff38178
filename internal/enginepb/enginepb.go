// Package enginepb describes the gRPC contract between the batch endpoint and
// a remote execution engine.
//
// The descriptors are assembled at runtime, so no generated code is checked
// in. Engine implementers obtain the .proto source with Render (exposed as
// the print-proto command) and generate stubs in whatever language they use.
//
//	service Engine {
//	  rpc Execute(ExecuteRequest) returns (ExecuteResponse);
//	}
//
// JSON-shaped payloads (variables, data, paths, extensions) travel as JSON
// text so the contract stays independent of any schema.
package enginepb

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"github.com/jhump/protoreflect/v2/protoprint"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	FilePath    = "graphstream/engine/v1/engine.proto"
	PackageName = "graphstream.engine.v1"
)

// Descriptors bundles the resolved descriptors of the engine contract.
type Descriptors struct {
	File     protoreflect.FileDescriptor
	Service  protoreflect.ServiceDescriptor
	Execute  protoreflect.MethodDescriptor
	Request  protoreflect.MessageDescriptor
	Response protoreflect.MessageDescriptor
	Error    protoreflect.MessageDescriptor
	Location protoreflect.MessageDescriptor
}

// FullMethod is the gRPC method path of Execute.
func (d *Descriptors) FullMethod() string {
	return fmt.Sprintf("/%s/%s", d.Service.FullName(), d.Execute.Name())
}

var load = sync.OnceValues(build)

// Load returns the engine contract descriptors. They are built once per
// process.
func Load() (*Descriptors, error) { return load() }

func build() (*Descriptors, error) {
	fb := protobuilder.NewFile(FilePath)
	fb.SetPackageName(PackageName)
	fb.SetSyntax(protoreflect.Proto3)

	location := protobuilder.NewMessage("SourceLocation")
	addScalar(location, "line", 1, protoreflect.Int32Kind, "")
	addScalar(location, "column", 2, protoreflect.Int32Kind, "")

	execErr := protobuilder.NewMessage("ExecuteError")
	execErr.SetComments(comment("A GraphQL error reported by the engine for the operation."))
	addScalar(execErr, "message", 1, protoreflect.StringKind, "")
	addScalar(execErr, "path_json", 2, protoreflect.StringKind,
		"JSON array of path segments, empty when the error has no path.")
	addScalar(execErr, "extensions_json", 3, protoreflect.StringKind, "")
	addRepeated(execErr, "locations", 4, location)

	req := protobuilder.NewMessage("ExecuteRequest")
	addScalar(req, "query", 1, protoreflect.StringKind, "")
	addScalar(req, "operation_name", 2, protoreflect.StringKind, "")
	addScalar(req, "variables_json", 3, protoreflect.StringKind,
		"JSON object of operation variables, empty when there are none.")
	addScalar(req, "extensions_json", 4, protoreflect.StringKind, "")

	resp := protobuilder.NewMessage("ExecuteResponse")
	addScalar(resp, "data_json", 1, protoreflect.StringKind,
		"JSON value of the data entry. Empty means the response has no data entry\n"+
			"and the literal null means data is null.")
	addRepeated(resp, "errors", 2, execErr)

	svc := protobuilder.NewService("Engine")
	svc.SetComments(comment("Engine executes single GraphQL operations on behalf of the batch endpoint."))
	svc.AddMethod(protobuilder.NewMethod("Execute",
		protobuilder.RpcTypeMessage(req, false),
		protobuilder.RpcTypeMessage(resp, false),
	))

	fb.AddMessage(location)
	fb.AddMessage(execErr)
	fb.AddMessage(req)
	fb.AddMessage(resp)
	fb.AddService(svc)

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("enginepb: build descriptors: %w", err)
	}
	sd := fd.Services().ByName("Engine")
	return &Descriptors{
		File:     fd,
		Service:  sd,
		Execute:  sd.Methods().ByName("Execute"),
		Request:  fd.Messages().ByName("ExecuteRequest"),
		Response: fd.Messages().ByName("ExecuteResponse"),
		Error:    fd.Messages().ByName("ExecuteError"),
		Location: fd.Messages().ByName("SourceLocation"),
	}, nil
}

func addScalar(mb *protobuilder.MessageBuilder, name protoreflect.Name, num protoreflect.FieldNumber, kind protoreflect.Kind, doc string) {
	fb := protobuilder.NewField(name, protobuilder.FieldTypeScalar(kind))
	fb.SetNumber(num)
	if doc != "" {
		fb.SetComments(comment(doc))
	}
	mb.AddField(fb)
}

func addRepeated(mb *protobuilder.MessageBuilder, name protoreflect.Name, num protoreflect.FieldNumber, elem *protobuilder.MessageBuilder) {
	fb := protobuilder.NewField(name, protobuilder.FieldTypeMessage(elem))
	fb.SetNumber(num)
	fb.SetRepeated()
	mb.AddField(fb)
}

func comment(text string) protobuilder.Comments {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}

// Render writes the .proto source of the engine contract to w.
func Render(w io.Writer) error {
	d, err := Load()
	if err != nil {
		return err
	}
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(d.File, w)
}
