package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
	"github.com/joseph-ayodele/faxrelay/internal/server"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
	healthTimeout   = 5 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the RPC server, the worker pool and the inbox watcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, log := opts.cfg, opts.logger

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Close(sctx)
	}()

	if err := a.db.HealthCheck(ctx, healthTimeout); err != nil {
		return err
	}
	log.Info("db.health.ok", "driver", cfg.Database.Driver)

	auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	svc := server.NewFaxRelayService(a.ingest, a.processor, a.audit, a.exporter, log)
	srv := server.New(svc, auth, log)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	if n, err := a.processor.Resume(ctx); err != nil {
		log.Error("pipeline.resume.failed", "resumed", n, "err", err)
	}

	if len(cfg.Inbox.Dirs) > 0 {
		fs := ingest.NewFSIngestor(a.ingest, inboxActor, cfg.Inbox.Destination, log)
		go func() {
			err := ingest.Watch(ctx, ingest.WatchConfig{Roots: cfg.Inbox.Dirs, InitialScan: true, Debounce: cfg.Inbox.Debounce}, fs, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("inbox.watch.stopped", "err", err)
			}
		}()
	}

	if cfg.Storage.Retention > 0 {
		go purgeLoop(ctx, a, cfg.Storage.Retention)
	}

	select {
	case <-ctx.Done():
		log.Info("faxrelay.shutting_down")
	case err := <-serveErr:
		if err != nil {
			log.Error("grpc.serve.failed", "err", err)
			return err
		}
	}
	if err := srv.Stop(shutdownTimeout); err != nil {
		log.Warn("grpc.stop", "err", err)
	}
	return nil
}

// purgeLoop removes documents of terminal jobs older than retention, once at start and
// then every purgeInterval.
func purgeLoop(ctx context.Context, a *app, retention time.Duration) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		n, err := a.processor.PurgeExpired(ctx, entity.SystemActor(), retention, time.Now())
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("retention.purge.failed", "purged", n, "err", err)
		} else if n > 0 {
			a.log.Info("retention.purge", "purged", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
