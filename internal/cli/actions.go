package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/config"
	"modelmgr/internal/manager"
)

// Indirections for tests: commands call through these so they can be stubbed.
var (
	fnOpenManager = openManager
	fnServe       = serve
	fnSignalCtx   = func(ctx context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	}
)

// pollInterval is how often install progress is refreshed.
var pollInterval = 200 * time.Millisecond

func openManager(c config.Config, logger zerolog.Logger) (*manager.Manager, error) {
	return manager.Open(c, logPublisher{logger: logger}, logger)
}

// loadConfig resolves the runtime config: file first, then non-empty flags.
func loadConfig(opts *Options) (config.Config, error) {
	var c config.Config
	if opts.ConfigPath != "" {
		var err error
		if c, err = config.Load(opts.ConfigPath); err != nil {
			return c, errors.Wrapf(err, "load config %s", opts.ConfigPath)
		}
	}
	if opts.RootDir != "" {
		c.RootDir = opts.RootDir
	}
	if opts.LogLevel != "" {
		c.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.LogFormat = opts.LogFormat
	}
	if err := c.ApplyDefaults(); err != nil {
		return c, errors.Wrap(err, "resolve config")
	}
	if err := c.Validate(); err != nil {
		return c, usageError{err}
	}
	return c, nil
}

// runtime is what a command body gets: the open manager plus the resolved
// config and logger.
type runtime struct {
	m      *manager.Manager
	cfg    config.Config
	logger zerolog.Logger
}

// withManager opens the catalog for the duration of fn.
func withManager(ctx context.Context, opts *Options, fn func(ctx context.Context, rt runtime) error) error {
	c, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(c.LogLevel, c.LogFormat, opts.err)
	if err != nil {
		return err
	}
	m, err := fnOpenManager(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn().Err(cerr).Str("event", "close_failed").Msg("closing model manager")
		}
	}()
	ctx, stop := fnSignalCtx(ctx)
	defer stop()
	return fn(ctx, runtime{m: m, cfg: c, logger: logger})
}
