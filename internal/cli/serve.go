package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"modelmgr/internal/errs"
	"modelmgr/internal/httpapi"
	"modelmgr/internal/scheduler"
	"modelmgr/internal/watch"
)

const (
	catalogGCEvery  = 10 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// serve runs an initial sync, then the ops server, periodic tasks and the
// optional autoimport watcher until ctx is canceled.
func serve(ctx context.Context, rt runtime) error {
	log := rt.logger
	m := rt.m
	if rep, err := m.Sync(ctx); err != nil {
		if !errs.IsValidation(err) {
			return errors.Wrap(err, "initial sync")
		}
		log.Warn().Err(err).Str("event", "sync_legacy_rejected").Msg("legacy models file ignored")
	} else {
		log.Info().Str("event", "sync_done").Int("imported", len(rep.Imported)).
			Int("removed", len(rep.Removed)).Int("skipped", rep.Skipped).Msg("initial sync")
	}

	tasks := []scheduler.Task{
		{Name: "sync", Every: time.Duration(rt.cfg.SyncIntervalSec) * time.Second, Run: m.SyncToConfig},
		{Name: "catalog_gc", Every: catalogGCEvery, Run: m.CompactCatalog},
	}
	sched, err := scheduler.Start(ctx, tasks, log)
	if err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	if rt.cfg.WatchAutoimport && len(rt.cfg.AutoimportDirs) > 0 {
		w, err := watch.New(rt.cfg.AutoimportDirs, func(ctx context.Context) {
			if err := m.SyncToConfig(ctx); err != nil {
				log.Warn().Err(err).Str("event", "watch_sync_failed").Msg("autoimport sync failed")
			}
		}, watch.Options{Logger: log})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(rt.cfg.CORSEnabled, rt.cfg.CORSAllowedOrigins, nil, nil)
	srv := httpapi.NewServer(rt.cfg.OpsAddr, httpapi.NewMux(m))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("event", "ops_listen").Str("addr", rt.cfg.OpsAddr).Strs("jobs", sched.Jobs()).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "ops server")
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Str("event", "shutdown_failed").Msg("graceful shutdown error")
	}
	log.Info().Str("event", "serve_stop").Msg("ops server stopped")
	return nil
}
