package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/bondline/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and decay sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(rt.engine, rt.sweeper, rt.bus, VersionString(), rt.log)
	addr := rt.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info().
			Str("addr", addr).
			Str("driver", rt.cfg.Database.Driver).
			Str("db", rt.dbPath).
			Msg("bondline serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info().Msg("shutting down")
		// Hijacked event streams are not tracked by Shutdown; closing the bus
		// sends each one a going-away frame.
		rt.bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
