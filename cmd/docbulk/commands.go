package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/phrazzld/docbulk/internal/batch"
	"github.com/phrazzld/docbulk/internal/domain"
	"github.com/phrazzld/docbulk/internal/manifest"
	"github.com/phrazzld/docbulk/internal/platform/postgres"
	"github.com/phrazzld/docbulk/internal/recovery"
	"github.com/phrazzld/docbulk/internal/store"
	"github.com/spf13/pflag"
)

func runMigrate(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	action := "up"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	db, err := env.database(ctx)
	if err != nil {
		return err
	}
	return postgres.Migrate(ctx, db, action, env.logger)
}

func runImport(ctx context.Context, env *environment, _ *pflag.FlagSet) error {
	if env.cfg.Manifest.Path == "" {
		return errors.New("no manifest configured: set --manifest or manifest.path")
	}
	ledger, err := env.ledger(ctx)
	if err != nil {
		return err
	}
	_, err = importManifest(ctx, env, ledger)
	return err
}

func importManifest(ctx context.Context, env *environment, ledger store.Ledger) (manifest.ImportSummary, error) {
	m := env.cfg.Manifest
	f, err := os.Open(m.Path)
	if err != nil {
		return manifest.ImportSummary{}, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := manifest.NewReader(f, manifest.Options{
		IdentifierColumn: m.IdentifierColumn,
		TitleColumn:      m.TitleColumn,
	})
	if err != nil {
		return manifest.ImportSummary{}, err
	}
	return manifest.Import(ctx, ledger, r, m.ImportBatchSize, env.logger)
}

func runUpload(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	withRecovery, _ := fs.GetBool("recover")

	stack, err := env.uploadStack(ctx)
	if err != nil {
		return err
	}

	ctx, stop := batch.DrainOnSignal(ctx, env.logger)
	defer stop()

	if env.cfg.Manifest.Path != "" {
		imported, err := importManifest(ctx, env, stack.ledger)
		if err != nil || imported.Interrupted {
			return err
		}
	}

	scheduler := batch.NewScheduler(stack.ledger, stack.executor, batch.Config{
		BatchSize: env.cfg.Batch.Size,
		Workers:   env.cfg.Batch.Workers,
		Limit:     env.cfg.Batch.Limit,
	}, env.logger)
	summary, err := scheduler.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Interrupted || !withRecovery {
		return nil
	}

	sweeper := recovery.NewSweeper(stack.ledger, stack.executor, stack.client, env.cfg.Batch.Size, env.logger)
	s1, err := sweeper.ReuploadErrorFiles(ctx)
	if err != nil || s1.Interrupted {
		return err
	}
	return recoverProcessing(ctx, sweeper, env.cfg.Upload.ProjectID)
}

// recoverProcessing flags remote copies that failed processing, then
// re-requests processing for every stage 2 error.
func recoverProcessing(ctx context.Context, sweeper *recovery.Sweeper, projectID int) error {
	flagged, err := sweeper.FlagRemoteFailures(ctx, projectID)
	if err != nil || flagged.Interrupted {
		return err
	}
	_, err = sweeper.ReuploadErrorFiles2(ctx)
	return err
}

func runRecover(ctx context.Context, env *environment, _ *pflag.FlagSet) error {
	return sweep(ctx, env, func(ctx context.Context, s *recovery.Sweeper) error {
		_, err := s.ReuploadErrorFiles(ctx)
		return err
	})
}

func runRecoverProcessing(ctx context.Context, env *environment, _ *pflag.FlagSet) error {
	return sweep(ctx, env, func(ctx context.Context, s *recovery.Sweeper) error {
		return recoverProcessing(ctx, s, env.cfg.Upload.ProjectID)
	})
}

func sweep(ctx context.Context, env *environment, pass func(context.Context, *recovery.Sweeper) error) error {
	stack, err := env.uploadStack(ctx)
	if err != nil {
		return err
	}

	ctx, stop := batch.DrainOnSignal(ctx, env.logger)
	defer stop()

	sweeper := recovery.NewSweeper(stack.ledger, stack.executor, stack.client, env.cfg.Batch.Size, env.logger)
	return pass(ctx, sweeper)
}

func runStatus(ctx context.Context, env *environment, _ *pflag.FlagSet) error {
	ledger, err := env.ledger(ctx)
	if err != nil {
		return err
	}
	counts, err := ledger.Counts(ctx)
	if err != nil {
		return err
	}
	env.logger.Debug("ledger counts", slog.Int("total", counts.Total))
	return printCounts(env.stdout, counts)
}

var statusOrder = []domain.StageStatus{domain.StageNotAttempted, domain.StageSuccess, domain.StageError}

func printCounts(w io.Writer, counts *store.StatusCounts) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tNOT_ATTEMPTED\tSUCCESS\tERROR")
	for _, row := range []struct {
		name string
		m    map[domain.StageStatus]int
	}{
		{"stage1", counts.Stage1},
		{"stage2", counts.Stage2},
	} {
		fmt.Fprint(tw, row.name)
		for _, s := range statusOrder {
			fmt.Fprintf(tw, "\t%d", row.m[s])
		}
		fmt.Fprintln(tw)
	}
	fmt.Fprintf(tw, "total\t%d\t\t\n", counts.Total)
	return tw.Flush()
}
