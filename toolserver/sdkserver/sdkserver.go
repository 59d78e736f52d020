// Package sdkserver binds a modelcontextprotocol/go-sdk server behind the
// gateway's ToolServer interface. The SDK server runs on one end of an
// in-memory transport pair; the adapter drives the other end and translates
// the gateway's raw JSON-RPC frames into typed SDK calls.
package sdkserver

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigyl-dev/mcp-gateway/internal/jsonrpc"
	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/toolserver"
)

// defaultProtocolVersion is advertised when the client does not request a
// recognizable version during initialization.
const defaultProtocolVersion = "2025-03-26"

var _ toolserver.Factory = (*Factory)(nil)

// Builder constructs an SDK server whose tools close over the resolved
// configuration.
type Builder func(cfg secrets.ResolvedConfig) (*mcpsdk.Server, error)

// Factory builds ToolServer instances around SDK servers.
type Factory struct {
	info  mcpsdk.Implementation
	build Builder
}

func NewFactory(info mcpsdk.Implementation, build Builder) *Factory {
	return &Factory{info: info, build: build}
}

func (f *Factory) NewServer(ctx context.Context, cfg secrets.ResolvedConfig) (toolserver.ToolServer, error) {
	srv, err := f.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tool server: %w", err)
	}

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()

	ss, err := srv.Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect server transport: %w", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "sigyl-gateway", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		_ = ss.Close()
		return nil, fmt.Errorf("connect client transport: %w", err)
	}

	return &instance{info: f.info, ss: ss, cs: cs}, nil
}

type instance struct {
	info mcpsdk.Implementation
	ss   *mcpsdk.ServerSession
	cs   *mcpsdk.ClientSession
}

func (i *instance) Close(ctx context.Context) error {
	csErr := i.cs.Close()
	ssErr := i.ss.Close()
	if csErr != nil {
		return csErr
	}
	return ssErr
}

func (i *instance) Handle(ctx context.Context, msg []byte) ([]byte, error) {
	var parsed jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &parsed); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	req := parsed.AsRequest()
	if req == nil {
		// Client-originated responses have nowhere to go on a per-call
		// instance; acknowledge by dropping.
		return nil, nil
	}
	if req.IsNotification() {
		return nil, nil
	}

	switch req.Method {
	case "initialize":
		return i.handleInitialize(req)
	case "ping":
		return marshalResult(req.ID, struct{}{})
	case "tools/list":
		res, err := i.cs.ListTools(ctx, &mcpsdk.ListToolsParams{})
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		return marshalResult(req.ID, res)
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return marshalError(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params")
		}
		res, err := i.cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: params.Name, Arguments: params.Arguments})
		if err != nil {
			return nil, fmt.Errorf("tools/call %s: %w", params.Name, err)
		}
		return marshalResult(req.ID, res)
	default:
		return marshalError(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not supported", req.Method))
	}
}

func (i *instance) handleInitialize(req *jsonrpc.Request) ([]byte, error) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)
	pv := params.ProtocolVersion
	if pv == "" {
		pv = defaultProtocolVersion
	}

	result := map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    i.info.Name,
			"version": i.info.Version,
		},
	}
	return marshalResult(req.ID, result)
}

func marshalResult(id *jsonrpc.RequestID, result any) ([]byte, error) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func marshalError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) ([]byte, error) {
	return json.Marshal(jsonrpc.NewErrorResponse(id, code, message, nil))
}
