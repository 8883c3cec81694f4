package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/api"
	"github.com/papercomputeco/coach/pkg/coach"
	"github.com/papercomputeco/coach/pkg/config"
	"github.com/papercomputeco/coach/pkg/heartbeat"
	"github.com/papercomputeco/coach/pkg/logger"
	"github.com/papercomputeco/coach/pkg/metrics"
	"github.com/papercomputeco/coach/pkg/ollama"
	"github.com/papercomputeco/coach/pkg/pool"
	"github.com/papercomputeco/coach/pkg/prompt"
	"github.com/papercomputeco/coach/pkg/resume"
)

const serveLongDesc string = `Run the coach HTTP server.

Serves resume CRUD and the server-sent event generation streams, relaying
token output from an Ollama upstream. Every config key is optional; the
upstream URL can also be set with COACH_UPSTREAM_URL.

Examples:
  coach serve
  coach serve --config coach.toml --debug`

const serveShortDesc string = "Run the coach server"

// shutdownTimeout bounds how long open streams get to finish on exit.
const shutdownTimeout = 15 * time.Second

type serveCommander struct {
	configPath string
	debug      bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if c.debug {
		cfg.Log.Debug = true
	}

	log := logger.New(cfg.Log.Format, cfg.Log.Debug)
	defer log.Sync()

	log.Info("coach server starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("model", cfg.Upstream.Model),
		zap.Bool("debug", cfg.Log.Debug),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	go app.monitor.Run(ctx)
	go func() {
		if err := app.prompts.Watch(ctx); err != nil {
			log.Warn("prompt watcher stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Run()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return app.shutdown(shutdownCtx)
}

// components is the wired server with everything it owns.
type components struct {
	store   resume.Store
	prompts *prompt.Loader
	monitor *heartbeat.Monitor
	workers *pool.Pool
	service *coach.Service
	server  *api.Server
	logger  *zap.Logger
}

func build(cfg config.Config, log *zap.Logger) (*components, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	prompts, err := prompt.NewLoader(cfg.Prompts.Dir, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("could not load prompts: %w", err)
	}

	collector := metrics.NewCollector("coach", log)

	client := ollama.NewClient(ollama.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		Endpoint:       cfg.Upstream.Endpoint,
		Model:          cfg.Upstream.Model,
		ConnectTimeout: cfg.Upstream.ConnectTimeout.Duration,
		ReadTimeout:    cfg.Upstream.ReadTimeout.Duration,
		UserAgent:      cfg.Upstream.UserAgent,
	}, log)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval:      cfg.Heartbeat.Interval.Duration,
		IdleThreshold: cfg.Heartbeat.IdleThreshold.Duration,
		Recorder:      collector,
	}, log)

	workers := pool.New(cfg.Pool.Size, log)

	service := coach.New(coach.Options{
		Resumes:  store,
		Prompts:  prompts,
		Upstream: client,
		Monitor:  monitor,
		Pool:     workers,
		Recorder: collector,
		Config: coach.Config{
			CreditBatch: cfg.Relay.CreditBatch,
			MaxLatency:  cfg.Relay.MaxLatency.Duration,
		},
	}, log)

	server := api.New(api.Config{
		ListenAddr:    cfg.Server.Listen,
		StreamTimeout: cfg.Server.StreamTimeout.Duration,
		EventBuffer:   cfg.Server.EventBuffer,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	}, store, service, client, collector, log)

	return &components{
		store:   store,
		prompts: prompts,
		monitor: monitor,
		workers: workers,
		service: service,
		server:  server,
		logger:  log,
	}, nil
}

func openStore(cfg config.Storage) (resume.Store, error) {
	if cfg.SQLitePath == "" {
		return resume.NewMemoryStore(), nil
	}
	store, err := resume.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("could not open resume store %s: %w", cfg.SQLitePath, err)
	}
	return store, nil
}

// shutdown stops the streams first so the HTTP server can drain their
// connections.
func (c *components) shutdown(ctx context.Context) error {
	var errs []error
	if err := c.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop streams: %w", err))
	}
	if err := c.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	c.workers.Wait()
	return errors.Join(errs...)
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing resume store", zap.Error(err))
	}
}
