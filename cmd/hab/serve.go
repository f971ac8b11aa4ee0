package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/hab-auto-build/internal/graph"
	"github.com/habitat-sh/hab-auto-build/internal/ui"
	"github.com/habitat-sh/hab-auto-build/internal/vizfeed"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dependency graph as JSON at /data for the graph-visualization frontend",
	RunE: func(cmd *cobra.Command, args []string) error {
		graphFn := func() (*graph.Graph, error) {
			records, err := discover(rootCtx)
			if err != nil {
				return nil, err
			}
			return graph.Build(records)
		}
		// Fail fast on a broken repo config rather than accepting
		// connections before the first scan has even succeeded once.
		if _, err := graphFn(); err != nil {
			return fmt.Errorf("initial scan: %w", err)
		}

		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", listenAddr, err)
		}
		defer listener.Close()

		srv := &http.Server{
			Handler:           vizfeed.Handler(graphFn),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Println(ui.RenderAccent("serving graph data at http://" + listener.Addr().String() + "/data"))

		select {
		case <-rootCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down graph server: %w", err)
			}
			return <-errCh
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7878", "address the graph JSON server listens on")
}
