package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/graphstream/internal/enginepb"
	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
	"github.com/hanpama/graphstream/internal/value"
)

// Caller performs a single unary RPC described by descriptors.
// grpctp.Transport is the production implementation. Implementations must be
// safe for concurrent use: one call is made per operation in flight.
type Caller interface {
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

// GRPC forwards operations to a remote engine implementing the
// graphstream.engine.v1.Engine service.
type GRPC struct {
	caller Caller
	desc   *enginepb.Descriptors
}

func NewGRPC(caller Caller) (*GRPC, error) {
	desc, err := enginepb.Load()
	if err != nil {
		return nil, err
	}
	return &GRPC{caller: caller, desc: desc}, nil
}

func (g *GRPC) Execute(ctx context.Context, req Request) (res *Result, err error) {
	in, err := g.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	target := string(g.desc.Service.FullName())
	start := time.Now()
	eventbus.Publish(ctx, events.EngineCallStart{Kind: "grpc", Target: target, OperationName: req.OperationName})
	defer func() {
		eventbus.Publish(ctx, events.EngineCallFinish{
			Kind:          "grpc",
			Target:        target,
			OperationName: req.OperationName,
			Status:        status.Code(err).String(),
			Err:           err,
			Duration:      time.Since(start),
		})
	}()

	out, err := g.caller.Call(ctx, g.desc.Execute, in)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", g.desc.FullMethod(), err)
	}
	return g.decodeResponse(out)
}

func (g *GRPC) encodeRequest(req Request) (protoreflect.Message, error) {
	fields := g.desc.Request.Fields()
	msg := dynamicpb.NewMessage(g.desc.Request)
	msg.Set(fields.ByName("query"), protoreflect.ValueOfString(req.Query))
	if req.OperationName != "" {
		msg.Set(fields.ByName("operation_name"), protoreflect.ValueOfString(req.OperationName))
	}
	if len(req.Variables) > 0 {
		b, err := json.Marshal(req.Variables)
		if err != nil {
			return nil, fmt.Errorf("engine: encode variables: %w", err)
		}
		msg.Set(fields.ByName("variables_json"), protoreflect.ValueOfString(string(b)))
	}
	if len(req.Extensions) > 0 {
		b, err := json.Marshal(req.Extensions)
		if err != nil {
			return nil, fmt.Errorf("engine: encode extensions: %w", err)
		}
		msg.Set(fields.ByName("extensions_json"), protoreflect.ValueOfString(string(b)))
	}
	return msg, nil
}

func (g *GRPC) decodeResponse(out protoreflect.Message) (*Result, error) {
	if out == nil {
		return nil, ErrNoResult
	}
	fields := g.desc.Response.Fields()
	res := &Result{}
	if data := out.Get(fields.ByName("data_json")).String(); data != "" {
		v, err := value.Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("engine: decode data: %w", err)
		}
		res.Data = v
	}

	errFields := g.desc.Error.Fields()
	locFields := g.desc.Location.Fields()
	list := out.Get(fields.ByName("errors")).List()
	for i := 0; i < list.Len(); i++ {
		m := list.Get(i).Message()
		f := Failure{Message: m.Get(errFields.ByName("message")).String()}
		if p := m.Get(errFields.ByName("path_json")).String(); p != "" {
			if err := decodeJSON(p, &f.Path); err != nil {
				return nil, fmt.Errorf("engine: decode error path: %w", err)
			}
		}
		if x := m.Get(errFields.ByName("extensions_json")).String(); x != "" {
			if err := decodeJSON(x, &f.Extensions); err != nil {
				return nil, fmt.Errorf("engine: decode error extensions: %w", err)
			}
		}
		locs := m.Get(errFields.ByName("locations")).List()
		for j := 0; j < locs.Len(); j++ {
			l := locs.Get(j).Message()
			f.Locations = append(f.Locations, Location{
				Line:   int(l.Get(locFields.ByName("line")).Int()),
				Column: int(l.Get(locFields.ByName("column")).Int()),
			})
		}
		res.Errors = append(res.Errors, f)
	}

	if res.Data == nil && len(res.Errors) == 0 {
		return nil, fmt.Errorf("engine: result has neither data nor errors")
	}
	return res, nil
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}
