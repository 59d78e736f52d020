// Command gateway runs the multi-tenant protocol gateway with a built-in
// echo tool server. Real deployments supply their own toolserver.Factory; the
// echo server exists so the gateway can be exercised end to end without a
// deployed package.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	gateway "github.com/sigyl-dev/mcp-gateway"
	"github.com/sigyl-dev/mcp-gateway/internal/logctx"
	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/toolserver/sdkserver"
)

func main() {
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})

	if err := run(log); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := gateway.NewConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	factory := sdkserver.NewFactory(
		mcpsdk.Implementation{Name: "sigyl-echo", Version: "1.0.0"},
		buildEchoServer,
	)

	gw, err := gateway.New(ctx, cfg, factory, gateway.WithLogger(log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.EndpointPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("gateway.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway.shutdown.fail", slog.String("err", err.Error()))
	}
	return gw.Close(shutdownCtx)
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"the text to echo back"`
}

type echoResult struct {
	Message string `json:"message"`
}

// buildEchoServer constructs a one-tool server whose reply surfaces which
// configuration keys were resolved for the session, without their values.
func buildEchoServer(cfg secrets.ResolvedConfig) (*mcpsdk.Server, error) {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "sigyl-echo", Version: "1.0.0"}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "echo",
		Description: "Echo a message back, noting how many configuration keys are bound.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args echoArgs) (*mcpsdk.CallToolResult, echoResult, error) {
		reply := fmt.Sprintf("%s (config keys bound: %d)", args.Message, len(cfg))
		return nil, echoResult{Message: reply}, nil
	})

	return srv, nil
}
