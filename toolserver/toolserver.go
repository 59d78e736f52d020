// Package toolserver defines the contract between the gateway and the
// wrapped tool-server implementation. The gateway treats the tool server as
// an opaque collaborator: it hands over raw protocol calls and relays
// whatever comes back.
package toolserver

import (
	"context"

	"github.com/sigyl-dev/mcp-gateway/secrets"
)

// ToolServer is one instance of the wrapped tool server, bound to a single
// resolved configuration. Instances are cheap to construct; the gateway
// builds one per serviced call and closes it afterward.
type ToolServer interface {
	// Handle executes one raw JSON-RPC message. The response is nil for
	// notifications. An error indicates the instance itself failed; protocol
	// level failures come back as JSON-RPC error responses.
	Handle(ctx context.Context, msg []byte) ([]byte, error)
	// Close releases the instance's resources.
	Close(ctx context.Context) error
}

// Factory produces tool-server instances from a resolved configuration.
// Implementations must be safe for concurrent use.
type Factory interface {
	NewServer(ctx context.Context, cfg secrets.ResolvedConfig) (ToolServer, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, cfg secrets.ResolvedConfig) (ToolServer, error)

func (f FactoryFunc) NewServer(ctx context.Context, cfg secrets.ResolvedConfig) (ToolServer, error) {
	return f(ctx, cfg)
}
