package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/auth"
	"github.com/nton2/stitch-mcp/bridge"
	"github.com/nton2/stitch-mcp/config"
	"github.com/nton2/stitch-mcp/gateway"
	"github.com/nton2/stitch-mcp/proxy"
	"github.com/nton2/stitch-mcp/registry"
	"github.com/nton2/stitch-mcp/tracker"
)

// Options selects the run mode. Default is a direct stdio proxy against the
// Stitch API; --cloud relays through the hosted gateway; --serve hosts the
// multi-tenant gateway itself.
type Options struct {
	Cloud bool   `long:"cloud" description:"connect through the hosted cloud gateway (requires N2_API_KEY)"`
	Serve string `long:"serve" description:"serve the multi-tenant gateway on this address, e.g. :8080"`
}

func main() {
	options := &Options{}
	if _, err := flags.ParseArgs(options, os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case options.Cloud:
		runner := bridge.NewRunner(cfg, logger, os.Stdin, os.Stdout)
		code := runner.Run(ctx)
		stop()
		os.Exit(code)
	case options.Serve != "":
		runGateway(ctx, options.Serve, cfg, logger)
	default:
		runDirect(ctx, cfg, logger)
	}
}

// newLogger writes structured logs to stderr; stdout is reserved for the
// protocol stream.
func newLogger(debug bool) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	if debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// runDirect proxies stdio straight to the Stitch API with this machine's
// credentials.
func runDirect(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	provider := auth.New(cfg, logger)
	if err := provider.Initialize(ctx); err != nil {
		logger.Fatal("credential bring-up failed", zap.Error(err))
	}
	defer provider.Stop()

	client := proxy.New(cfg, provider, logger)
	generations := tracker.New(client, cfg, logger)
	defer generations.Stop()

	handler := gateway.New(client, generations, logger)
	if err := handler.DiscoverTools(ctx); err != nil {
		logger.Fatal("upstream not reachable", zap.Error(err))
	}

	logger.Info("serving stdio", zap.String("upstream", cfg.StitchHost))
	if err := handler.Stdio(ctx).ListenAndServe(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stdio server stopped", zap.Error(err))
	}
}

// runGateway hosts the multi-tenant HTTP gateway. Without an external user
// database it seeds a single account from the environment.
func runGateway(ctx context.Context, addr string, cfg *config.Config, logger *zap.Logger) {
	store := registry.NewUserStore()
	if cfg.N2APIKey != "" && cfg.APIKey != "" {
		store.Add(&registry.User{Id: "local", Name: "local", Plan: "pro", Key: cfg.N2APIKey}, cfg.APIKey, -1)
		logger.Info("seeded single-tenant account from environment")
	} else {
		logger.Warn("no account seeded; set N2_API_KEY and STITCH_API_KEY for single-box use")
	}

	reg := registry.New(cfg, store, logger)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: registry.NewHTTPServer(reg, store, store, logger).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		reg.Shutdown()
	}()

	logger.Info("serving gateway", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("gateway server failed", zap.Error(err))
	}
}
