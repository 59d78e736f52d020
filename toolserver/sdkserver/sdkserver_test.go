package sdkserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigyl-dev/mcp-gateway/secrets"
)

type greetArgs struct {
	Name string `json:"name"`
}

type greetResult struct {
	Greeting string `json:"greeting"`
}

func newTestFactory() *Factory {
	return NewFactory(
		mcpsdk.Implementation{Name: "greeter", Version: "0.1.0"},
		func(cfg secrets.ResolvedConfig) (*mcpsdk.Server, error) {
			srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "greeter", Version: "0.1.0"}, nil)
			mcpsdk.AddTool(srv, &mcpsdk.Tool{
				Name:        "greet",
				Description: "Greet someone by name.",
			}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args greetArgs) (*mcpsdk.CallToolResult, greetResult, error) {
				prefix, _ := cfg["GREETING"].(string)
				if prefix == "" {
					prefix = "hello"
				}
				return nil, greetResult{Greeting: fmt.Sprintf("%s %s", prefix, args.Name)}, nil
			})
			return srv, nil
		},
	)
}

func TestHandleInitialize(t *testing.T) {
	ctx := context.Background()
	inst, err := newTestFactory().NewServer(ctx, secrets.ResolvedConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = inst.Close(ctx) }()

	resp, err := inst.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var out struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, resp)
	}
	if out.Result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("protocolVersion = %q", out.Result.ProtocolVersion)
	}
	if out.Result.ServerInfo.Name != "greeter" {
		t.Fatalf("serverInfo.name = %q", out.Result.ServerInfo.Name)
	}
}

func TestHandleNotificationProducesNoResponse(t *testing.T) {
	ctx := context.Background()
	inst, err := newTestFactory().NewServer(ctx, secrets.ResolvedConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = inst.Close(ctx) }()

	resp, err := inst.Handle(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp != nil {
		t.Fatalf("notification response = %s", resp)
	}
}

func TestHandleToolsListAndCall(t *testing.T) {
	ctx := context.Background()
	inst, err := newTestFactory().NewServer(ctx, secrets.ResolvedConfig{"GREETING": "hi"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = inst.Close(ctx) }()

	resp, err := inst.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	if !strings.Contains(string(resp), `"greet"`) {
		t.Fatalf("tools/list response = %s", resp)
	}

	resp, err = inst.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ada"}}}`))
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	if !strings.Contains(string(resp), "hi ada") {
		t.Fatalf("tools/call response = %s", resp)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	ctx := context.Background()
	inst, err := newTestFactory().NewServer(ctx, secrets.ResolvedConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = inst.Close(ctx) }()

	resp, err := inst.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":4,"method":"resources/list"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var out struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, resp)
	}
	if out.Error.Code != -32601 {
		t.Fatalf("error code = %d", out.Error.Code)
	}
}
