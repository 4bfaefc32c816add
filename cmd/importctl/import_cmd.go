package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/store"
)

// pollInterval is how often import checks session progress.
const pollInterval = 50 * time.Millisecond

var errNeedsReview = errors.New("mappings need review")

type importOptions struct {
	entity      string
	approve     bool
	timeout     time.Duration
	batchSize   int
	concurrency int
	threshold   float64
}

func newImportCmd() *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Run a file through the full pipeline and print the final status",
		Long: "Parses, maps, previews, and imports FILE. The store is Postgres when\n" +
			"DATABASE_URL is set and in-memory otherwise. Without --approve the run\n" +
			"stops at awaiting_approval and prints the preview status.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.entity, "entity", "", "Entity type: product, brand, attribute (required)")
	cmd.Flags().BoolVar(&opts.approve, "approve", true, "Approve automatically once the preview is ready")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Give up after this long")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Override IMPORT_BATCH_SIZE")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Override IMPORT_MAX_CONCURRENCY")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Override IMPORT_CONFIDENCE_THRESHOLD (0-1)")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func runImport(cmd *cobra.Command, path string, opts *importOptions) error {
	entity, err := domain.ParseEntityType(opts.entity)
	if err != nil {
		return userError(fmt.Errorf("--entity %q: %w", opts.entity, err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.batchSize > 0 {
		cfg.Pipeline.BatchSize = opts.batchSize
	}
	if opts.concurrency > 0 {
		cfg.Pipeline.MaxConcurrency = opts.concurrency
	}
	if opts.threshold > 0 {
		cfg.Pipeline.ConfidenceThreshold = opts.threshold
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	st, closeStore, err := store.Open(ctx, cfg.Database.URL, cfg.Database.PoolOptions(), cfg.Database.Migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	svcOpts := cfg.ServiceOptions()
	svcOpts.Workflow.PreviewDelay = time.Millisecond
	svc := core.NewService(st, svcOpts)
	svc.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		if err := svc.Stop(stopCtx); err != nil {
			slog.Warn("pipeline did not stop cleanly", "error", err)
		}
	}()

	session, err := svc.Upload(ctx, entity, filepath.Base(path), data, "")
	if err != nil {
		return userError(err)
	}
	slog.Info("session started", "session_id", session.ID, "status", session.Status)

	status, err := waitFor(ctx, svc, session.ID, readyOrStuck)
	if err != nil {
		return err
	}

	if status.Workflow.State == domain.StatusAwaitingApproval && opts.approve {
		if err := svc.Approve(ctx, session.ID); err != nil {
			return userError(err)
		}
		status, err = waitFor(ctx, svc, session.ID, finished)
		if err != nil {
			return err
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
		return err
	}
	return outcome(status)
}

// readyOrStuck stops at approval, at any terminal state, or when the workflow
// halts for manual mapping.
func readyOrStuck(s *core.ImportStatus) bool {
	wf := s.Workflow
	return wf.State == domain.StatusAwaitingApproval ||
		wf.State.Terminal() ||
		(wf.State == domain.StatusMappingComplete && !wf.AutoAdvance)
}

func finished(s *core.ImportStatus) bool {
	return s.Processing.Status.Terminal() && !s.Processing.Active
}

func waitFor(ctx context.Context, svc *core.Service, id string, done func(*core.ImportStatus) bool) (*core.ImportStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := svc.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if done(status) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("session %s still %s: %w", id, status.Workflow.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

// outcome turns a final status into the command's exit error.
func outcome(s *core.ImportStatus) error {
	switch s.Workflow.State {
	case domain.StatusCompleted, domain.StatusAwaitingApproval:
		return nil
	case domain.StatusCompletedWithErrors:
		return fmt.Errorf("%d of %d records failed", s.Processing.FailedRecords, s.Processing.TotalRecords)
	case domain.StatusMappingComplete:
		return fmt.Errorf("%w: %s", errNeedsReview, s.Workflow.ExpectedNextStep)
	}
	if s.Workflow.ErrorMessage != "" {
		return fmt.Errorf("import %s: %s", s.Workflow.State, s.Workflow.ErrorMessage)
	}
	return fmt.Errorf("import %s", s.Workflow.State)
}
