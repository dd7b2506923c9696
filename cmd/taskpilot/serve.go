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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/panel"
	"github.com/rendis/taskpilot/pkg/mcp"
)

type serveOptions struct {
	transport   string
	listenAddr  string
	baseURL     string
	noScheduler bool
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools, the operator API and the scheduler",
		Long: `Serve the taskpilot MCP tools to an agent. With --transport stdio the
tools are served over stdin/stdout. With --transport sse an HTTP server on
--listen-addr carries the MCP SSE endpoints (/sse, /message) together with
the operator API (/api/...) and the live event streams (/sse/...).

Cron schedules are executed while the server runs unless --no-scheduler is
given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", "stdio", "MCP transport (stdio|sse)")
	cmd.Flags().StringVar(&opts.listenAddr, "listen-addr", "", "HTTP listen address for the sse transport")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "public base URL announced to SSE clients")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "do not execute cron schedules")

	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *serveOptions) error {
	if opts.transport != "stdio" && opts.transport != "sse" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid transport %q: must be stdio or sse", opts.transport))
	}
	cfg := rootOpts.Config
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
		cfg.BaseURL = "http://localhost" + opts.listenAddr
	}
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer a.Close()

	validator, err := newValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "create validator", err)
	}

	records := connector.NewFileTabular()
	if !opts.noScheduler {
		sched := a.scheduler(records)
		if err := sched.Start(ctx); err != nil {
			return WrapExitError(ExitFailure, "start scheduler", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Runner:    a.engine,
		Review:    a.review,
		Workflows: a.store,
		Records:   records,
		Validator: validator,
		Hub:       a.hub,
		Logger:    a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Watch(gctx) })

	switch opts.transport {
	case "stdio":
		a.logger.Info("serving MCP over stdio", "db", cfg.DBPath)
		g.Go(func() error {
			// stdin closing ends the process.
			defer stop()
			return srv.Serve(gctx)
		})
	case "sse":
		sse := srv.SSEServer(cfg.BaseURL)
		api := panel.NewPanelServer(panel.PanelDeps{
			Store:  a.store,
			Runner: a.engine,
			Review: a.review,
			Hub:    a.hub,
			Logger: a.logger,
		}).Handler()

		mux := http.NewServeMux()
		mux.Handle("/sse", sse)
		mux.Handle("/message", sse)
		mux.Handle("/api/", api)
		mux.Handle("/sse/", api)
		httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		a.logger.Info("serving MCP over sse", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL, "db", cfg.DBPath)
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sse.Shutdown(shutdownCtx)
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	a.logger.Info("server stopped")
	return nil
}
