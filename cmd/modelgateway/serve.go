package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xsigma/platform/gateway/internal/httpapi"
	"github.com/xsigma/platform/gateway/internal/rpc"
)

var skipSync bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	Long: `Serve model requests over HTTP (GATEWAY_HTTP_BIND) and gRPC (GATEWAY_BIND).

Enabled data sources are synced into the worker data root before the
listeners start. In strict mode a failed sync aborts startup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipSync, "skip-sync", false, "Do not sync data sources at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	cfg := a.cfg

	if !skipSync && len(cfg.DataSources.Enabled) > 0 {
		if _, err := syncData(ctx, a); err != nil {
			if cfg.DataSources.Strict {
				return fmt.Errorf("data sync: %w", err)
			}
			log.Warn().Err(err).Msg("data sync incomplete; serving with existing data")
		}
	}

	api := httpapi.New(a.engine, a.registry, httpapi.Options{
		Debug:   cfg.Server.Debug,
		Scanner: a.scanner,
		Logger:  log.Logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPBind,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lis net.Listener
	if cfg.Server.GRPCEnabled() {
		lis, err = net.Listen("tcp", cfg.Server.GRPCBind)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Server.GRPCBind, err)
		}
	} else {
		log.Info().Msg("gRPC disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPBind).Int("models", len(a.registry.All())).Msg("gateway HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	if lis != nil {
		grpcServer = grpc.NewServer()
		health := rpc.NewService(a.engine, a.registry, log.Logger).Register(grpcServer)
		g.Go(func() error {
			log.Info().Str("addr", cfg.Server.GRPCBind).Msg("gateway gRPC listening")
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			go func() {
				<-shutdownCtx.Done()
				grpcServer.Stop()
			}()
			grpcServer.GracefulStop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
