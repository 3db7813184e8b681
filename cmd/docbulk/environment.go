package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/docbulk/internal/config"
	"github.com/phrazzld/docbulk/internal/events"
	"github.com/phrazzld/docbulk/internal/platform/logger"
	"github.com/phrazzld/docbulk/internal/platform/postgres"
	"github.com/phrazzld/docbulk/internal/platform/telemetry"
	"github.com/phrazzld/docbulk/internal/remote"
	"github.com/phrazzld/docbulk/internal/source"
	"github.com/phrazzld/docbulk/internal/upload"
	"github.com/spf13/pflag"
)

// progressEvery is the number of outcomes between progress log lines.
const progressEvery = 500

func newFlagSet(cmd command, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("docbulk "+cmd.name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: docbulk %s [flags]\n\n%s\n\nflags:\n", cmd.name, cmd.summary)
		fs.PrintDefaults()
	}
	return fs
}

// environment holds what every command shares: configuration, the run
// logger and lazily opened resources.
type environment struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	runID  string
	stdout io.Writer

	db      *sql.DB
	closers []func()
}

func newEnvironment(ctx context.Context, fs *pflag.FlagSet, stdout, stderr io.Writer) (*environment, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Logs go to stderr; stdout carries command output.
	base, err := logger.Setup(logger.LoggerConfig{Level: cfg.Log.Level, Output: stderr})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(logger.WithLogger(ctx, base), runID)
	log := logger.FromContext(ctx)

	return &environment{
		ctx:    ctx,
		cfg:    cfg,
		logger: log,
		runID:  runID,
		stdout: stdout,
	}, nil
}

// Close releases everything opened through the environment, in reverse order.
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *environment) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// database opens the ledger database once.
func (e *environment) database(ctx context.Context) (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	db, err := postgres.Open(ctx, e.cfg.Database.URL, e.cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	e.db = db
	e.onClose(func() {
		if err := db.Close(); err != nil {
			e.logger.Error("failed to close database", "error", err)
		}
	})
	return db, nil
}

func (e *environment) ledger(ctx context.Context) (*postgres.PostgresLedgerStore, error) {
	db, err := e.database(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewPostgresLedgerStore(db, e.logger), nil
}

func (e *environment) remoteClient() (*remote.Client, error) {
	r := e.cfg.Remote
	return remote.NewClient(remote.ClientConfig{
		APIURL:          r.APIURL,
		AuthURL:         r.AuthURL,
		Username:        r.Username,
		Password:        r.Password,
		Timeout:         r.Timeout,
		MaxRetries:      r.MaxRetries,
		RetryBase:       r.RetryBase,
		BreakerFailures: r.BreakerFailures,
		BreakerTimeout:  r.BreakerTimeout,
		IdentifierKey:   e.cfg.Manifest.IdentifierColumn,
	}, e.logger)
}

func (e *environment) source(ctx context.Context) (source.Source, error) {
	src, err := source.New(ctx, e.cfg.Source.BasePath, source.Options{
		Extension:      e.cfg.Source.Extension,
		LowercaseNames: e.cfg.Source.LowercaseNames,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := src.(io.Closer); ok {
		e.onClose(func() { _ = c.Close() })
	}
	return src, nil
}

// emitter wires the outcome log and metrics handlers.
func (e *environment) emitter(ctx context.Context) (*events.Dispatcher, error) {
	meter, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: e.cfg.Telemetry.OTLPEndpoint,
		Insecure:     e.cfg.Telemetry.Insecure,
		RunID:        e.runID,
	}, e.logger)
	if err != nil {
		return nil, err
	}
	e.onClose(func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to flush metrics", "error", err)
		}
	})

	metrics, err := events.NewMetricsHandler(meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics handler: %w", err)
	}

	return events.NewDispatcher(e.logger, events.NewLogHandler(e.logger, progressEvery), metrics), nil
}

// uploadStack is what the upload commands need.
type uploadStack struct {
	ledger   *postgres.PostgresLedgerStore
	client   *remote.Client
	executor *upload.Executor
}

func (e *environment) uploadStack(ctx context.Context) (*uploadStack, error) {
	if err := e.cfg.ValidateUpload(); err != nil {
		return nil, err
	}

	ledger, err := e.ledger(ctx)
	if err != nil {
		return nil, err
	}
	client, err := e.remoteClient()
	if err != nil {
		return nil, err
	}
	src, err := e.source(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := e.emitter(ctx)
	if err != nil {
		return nil, err
	}

	u := e.cfg.Upload
	executor, err := upload.NewExecutor(upload.Config{
		MaxFileSize:  u.MaxFileSize,
		ValidatePDF:  u.ValidatePDF,
		Access:       u.Access,
		Source:       u.SourceTag,
		ProjectID:    u.ProjectID,
		DelayedIndex: u.DelayedIndex,
	}, src, client, ledger, emitter, e.logger)
	if err != nil {
		return nil, err
	}

	e.logger.Info("upload stack ready",
		slog.String("base_path", e.cfg.Source.BasePath),
		slog.String("api_url", e.cfg.Remote.APIURL),
		slog.String("access", u.Access),
		slog.Int64("max_file_size", u.MaxFileSize))
	return &uploadStack{ledger: ledger, client: client, executor: executor}, nil
}
