// slidebatch runs batches of whole-slide images through containerized analysis stages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pathomics/slidebatch/internal/batch"
	"github.com/pathomics/slidebatch/internal/config"
	"github.com/pathomics/slidebatch/internal/docker"
	"github.com/pathomics/slidebatch/internal/metrics"
	"github.com/pathomics/slidebatch/internal/objstore"
	"github.com/pathomics/slidebatch/internal/stager"
	"github.com/pathomics/slidebatch/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// pushTimeout bounds the end-of-run metrics push.
const pushTimeout = 10 * time.Second

var (
	cfgFile  string
	logLevel string
	envFile  string

	// Overrides applied on top of the config file
	queueFlag     string
	bucketFlag    string
	chunkSizeFlag int
	dryRunFlag    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "slidebatch",
		Short: "slidebatch - resumable whole-slide image analysis batches",
		Long: `slidebatch downloads unprocessed slides from an object store, runs them
through a fixed sequence of GPU container stages, uploads every stage's
results and marks each slide processed only after all stages succeed.

An interrupted run is resumed by simply running it again.

Examples:
  # Process the run42 batch with the built-in breast tissue stages
  slidebatch run --queue run42 --bucket my-slides

  # Show what would be processed without touching anything
  slidebatch run --queue run42 --bucket my-slides --dry-run

  # Count processed and pending slides
  slidebatch status --queue run42 --bucket my-slides`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with AWS credentials (ignored if missing)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process every unprocessed slide of a batch",
		Long: `Process every unprocessed slide of a batch, one chunk at a time.

Slides are marked processed only after all stages of their chunk have
uploaded their output. A failed chunk leaves its slides unmarked so the
next run picks them up again.`,
		Args: cobra.NoArgs,
		RunE: runBatch,
	}
	addBatchFlags(runCmd)
	runCmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 0, "slides per chunk (overrides config)")
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "plan chunks without downloading or running anything")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show processed and pending counts for a batch",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	addBatchFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull every stage image",
		Args:  cobra.NoArgs,
		RunE:  runPull,
	}
	rootCmd.AddCommand(pullCmd)

	stagesCmd := &cobra.Command{
		Use:   "stages",
		Short: "List the configured stages",
		Args:  cobra.NoArgs,
		RunE:  runStages,
	}
	rootCmd.AddCommand(stagesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("slidebatch %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&queueFlag, "queue", "q", "", "batch (queue) name")
	cmd.Flags().StringVarP(&bucketFlag, "bucket", "b", "", "object store bucket")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadEnv loads envFile into the process environment without overriding
// variables that are already set.
func loadEnv() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", envFile).Msg("Could not load env file")
		}
		return
	}
	log.Debug().Str("file", envFile).Msg("Loaded env file")
}

// loadConfig reads the config file, applies command-line overrides and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "s3" {
		if err := validateBucketName(cfg.Bucket); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("queue") {
		cfg.Queue = queueFlag
	}
	if flags.Changed("bucket") {
		cfg.Bucket = bucketFlag
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = chunkSizeFlag
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = dryRunFlag
	}
}

func newStore(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch cfg.Storage.Backend {
	case "filesystem":
		return objstore.NewFSStore(cfg.Storage.RootDir, cfg.Bucket)
	default:
		return objstore.NewS3Store(ctx, objstore.S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			PartSize:        cfg.Storage.PartSize.Bytes(),
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
	}
}

func newTracker(cfg *config.Config, store objstore.Store) *tracker.Tracker {
	return tracker.New(store, cfg.BatchSourcePrefix(), cfg.BatchProcessedPrefix(), cfg.Extensions)
}

// newRunner connects to Docker and, if configured, pulls every stage image.
func newRunner(ctx context.Context, cfg *config.Config) (*docker.Runner, error) {
	runner, err := docker.NewRunner(cfg.Docker.Socket, metrics.Registry)
	if err != nil {
		return nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		_ = runner.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	if cfg.PullImages() {
		if err := runner.Pull(ctx, cfg.Images()); err != nil {
			_ = runner.Close()
			return nil, err
		}
	}
	return runner, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBatch(cmd *cobra.Command, args []string) error {
	setupLogging()
	loadEnv()

	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrMissingQueue) {
			return fmt.Errorf("%w\nUsage: slidebatch run --queue <name> --bucket <bucket>", err)
		}
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().
		Str("version", Version).
		Str("queue", cfg.Queue).
		Str("bucket", cfg.Bucket).
		Str("backend", cfg.Storage.Backend).
		Int("stages", len(cfg.Stages)).
		Bool("dry_run", cfg.DryRun).
		Msg("Starting batch")

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.InitMetrics(cfg.Queue, Version)

	var runner batch.StageRunner
	if !cfg.DryRun {
		r, err := newRunner(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		runner = r
	}

	orch := batch.NewOrchestrator(cfg, store, newTracker(cfg, store), runner, stager.NewReclaimer(cfg.Ownership.Command), m)
	sum, runErr := orch.Run(ctx)
	if ctx.Err() != nil {
		log.Warn().Msg("Interrupted; the running stage was allowed to finish")
	}
	logSummary(sum, runErr)

	if !cfg.DryRun {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), pushTimeout)
		defer pushCancel()
		stager.BestEffort("push metrics", func() error {
			return metrics.Push(pushCtx, cfg.Metrics.PushGateway, cfg.Metrics.Job, cfg.Queue)
		})
	}
	return runErr
}

func logSummary(sum batch.Summary, err error) {
	event := log.Info()
	msg := "Batch complete"
	switch {
	case err != nil:
		event = log.Error().Err(err)
		msg = "Batch stopped"
	case sum.DryRun:
		msg = "Dry run complete"
	}
	event.
		Int("pending", sum.Pending).
		Int("chunks", sum.Chunks).
		Int("chunks_completed", sum.ChunksCompleted).
		Int("items_marked", sum.ItemsMarked).
		Dur("duration", sum.Duration).
		Msg(msg)

	for _, r := range sum.Reports {
		if failed, ok := r.Failure(); ok {
			log.Error().
				Int("chunk", r.Chunk).
				Str("token", r.Token).
				Str("stage", failed.Stage).
				Str("step", failed.Err.Step).
				Msg("Chunk failed; its slides stay unmarked")
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()
	loadEnv()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	sum, err := newTracker(cfg, store).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s\n", cfg.Queue)
	fmt.Printf("  Source:    %s/%s\n", cfg.Bucket, cfg.BatchSourcePrefix())
	fmt.Printf("  Markers:   %s/%s\n", cfg.Bucket, cfg.BatchProcessedPrefix())
	fmt.Printf("  Eligible:  %d\n", sum.Eligible)
	fmt.Printf("  Processed: %d\n", sum.Processed)
	fmt.Printf("  Pending:   %d\n", sum.Pending)
	if sum.Ignored > 0 {
		fmt.Printf("  Ignored:   %d (no %v extension)\n", sum.Ignored, cfg.Extensions)
	}
	if sum.Pending > 0 {
		chunks := (sum.Pending + cfg.ChunkSize - 1) / cfg.ChunkSize
		fmt.Printf("  Chunks:    %d of up to %d slides\n", chunks, cfg.ChunkSize)
	}
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner, err := docker.NewRunner(cfg.Docker.Socket, metrics.Registry)
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()

	return runner.Pull(ctx, cfg.Images())
}

func runStages(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tNAME\tIMAGE\tSTAGING\tCLEANUP\tWORK DIR\tUPLOAD")
	for i, s := range cfg.Stages {
		upload := s.OutputSubdir
		if upload == "" {
			upload = "(work dir)"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s -> %s\n",
			i+1, s.Name, s.Image, s.Staging, s.Cleanup, s.WorkDir, upload, s.UploadName)
	}
	_ = w.Flush()
	fmt.Printf("\nMultipart part size: %s\n", cfg.Storage.PartSize)
	return nil
}
