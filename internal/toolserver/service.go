// Package toolserver exposes a tool registry over gRPC and turns remote
// registries back into local tool specs. Messages are google.protobuf.Struct
// values so no generated code is needed.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolagent.tools.v1.ToolService"

const (
	listToolsMethod  = "/" + ServiceName + "/ListTools"
	callToolMethod   = "/" + ServiceName + "/CallTool"
	promptToolMethod = "/" + ServiceName + "/PromptTool"
)

// ToolServiceServer is the server API of the tool service.
type ToolServiceServer interface {
	// ListTools returns {"tools": [{name, description, parameters, requires_approval}]}.
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// CallTool takes {"name", "args"} and returns {"output"} or {"error"}.
	CallTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// PromptTool takes {"name", "args"} and returns {"prompt"}.
	PromptTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ToolServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ToolServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ToolServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the tool service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTools", Handler: unaryHandler(listToolsMethod, ToolServiceServer.ListTools)},
		{MethodName: "CallTool", Handler: unaryHandler(callToolMethod, ToolServiceServer.CallTool)},
		{MethodName: "PromptTool", Handler: unaryHandler(promptToolMethod, ToolServiceServer.PromptTool)},
	},
	Metadata: "toolagent/tools/v1/tools.proto",
}

// toStruct converts an arbitrary JSON-shaped value into a Struct. Values go
// through encoding/json first so typed slices and maps are accepted.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return s, nil
}

// fromStruct converts a Struct back into a Go value of type T.
func fromStruct[T any](s *structpb.Struct) (T, error) {
	var out T
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return out, fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}

type listToolsResponse struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolDescriptor struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requires_approval"`
}

type callRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}
