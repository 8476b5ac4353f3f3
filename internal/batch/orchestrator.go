package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pathomics/slidebatch/internal/config"
	"github.com/pathomics/slidebatch/internal/metrics"
	"github.com/pathomics/slidebatch/internal/objstore"
	"github.com/pathomics/slidebatch/internal/stager"
	"github.com/pathomics/slidebatch/internal/tracker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Tracker finds pending inputs and records completed ones.
type Tracker interface {
	ComputeUnprocessed(ctx context.Context) ([]tracker.Item, error)
	MarkProcessed(ctx context.Context, item tracker.Item) error
}

// Summary describes a finished (or stopped) run.
type Summary struct {
	Pending         int // Unprocessed inputs found at the start
	Chunks          int
	ChunksCompleted int
	ItemsMarked     int
	Duration        time.Duration
	DryRun          bool
	Reports         []Report
}

// Orchestrator drives a whole batch: discover, partition, then process chunks one at a time.
type Orchestrator struct {
	cfg      *config.Config
	store    objstore.Store
	tracker  Tracker
	pipeline *Pipeline
	tokens   *TokenSource
	metrics  *metrics.BatchMetrics
}

// NewOrchestrator wires the run's components together. m may be nil.
func NewOrchestrator(cfg *config.Config, store objstore.Store, tr Tracker, runner StageRunner, reclaimer Reclaimer, m *metrics.BatchMetrics) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		tracker:  tr,
		pipeline: NewPipeline(cfg.Stages, cfg.RawDir(), store, runner, reclaimer, m),
		tokens:   NewTokenSource(nil),
		metrics:  m,
	}
}

// Plan computes the pending inputs and splits them into chunks.
func (o *Orchestrator) Plan(ctx context.Context) ([]Chunk, error) {
	items, err := o.tracker.ComputeUnprocessed(ctx)
	if err != nil {
		return nil, err
	}

	groups := Partition(items, o.cfg.ChunkSize)
	chunks := make([]Chunk, 0, len(groups))
	for i, g := range groups {
		chunks = append(chunks, Chunk{
			Index:        i,
			Items:        g,
			Token:        o.tokens.Next(),
			SourcePrefix: o.cfg.BatchSourcePrefix(),
			OutputPrefix: o.cfg.BatchOutputPrefix(),
		})
	}

	if o.metrics != nil {
		o.metrics.ItemsPending.Set(float64(len(items)))
		o.metrics.ChunksPlanned.Set(float64(len(chunks)))
	}
	return chunks, nil
}

// Preflight checks that local scratch is writable and that every working dir
// shares a filesystem with the raw download area, so hard links can work.
func (o *Orchestrator) Preflight() error {
	raw := o.cfg.RawDir()
	if err := os.MkdirAll(raw, 0755); err != nil {
		return fmt.Errorf("create scratch: %w", err)
	}
	probe, err := os.CreateTemp(o.cfg.ScratchRoot, ".probe-*")
	if err != nil {
		return fmt.Errorf("scratch not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	paths := []string{raw}
	for _, s := range o.cfg.Stages {
		paths = append(paths, s.WorkDir)
	}
	return stager.SameFilesystem(paths...)
}

// Run processes every pending chunk in order and stops at the first error.
// Inputs of a chunk are marked only after all of its stages succeed, so a
// stopped run can simply be started again.
func (o *Orchestrator) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	sum.DryRun = o.cfg.DryRun
	defer func() {
		sum.Duration = time.Since(start)
	}()

	chunks, err := o.Plan(ctx)
	if err != nil {
		return sum, err
	}
	sum.Chunks = len(chunks)
	for _, c := range chunks {
		sum.Pending += len(c.Items)
	}

	log.Info().
		Str("queue", o.cfg.Queue).
		Int("pending", sum.Pending).
		Int("chunks", sum.Chunks).
		Int("chunk_size", o.cfg.ChunkSize).
		Msg("Batch planned")

	if o.cfg.DryRun {
		for _, c := range chunks {
			log.Info().Int("chunk", c.Index).Str("token", c.Token).Strs("items", c.IDs()).Msg("Would process chunk")
		}
		return sum, nil
	}
	if len(chunks) == 0 {
		return sum, nil
	}

	if err := o.Preflight(); err != nil {
		return sum, fmt.Errorf("preflight: %w", err)
	}

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("stopped before chunk %d: %w", chunk.Index, err)
		}
		report, marked, err := o.processChunk(ctx, chunk)
		sum.Reports = append(sum.Reports, report)
		sum.ItemsMarked += marked
		if err != nil {
			o.countChunk(false)
			return sum, fmt.Errorf("chunk %d (%s): %w", chunk.Index, chunk.Token, err)
		}
		o.countChunk(true)
		sum.ChunksCompleted++
	}

	stager.BestEffort("clear raw inputs", func() error {
		return stager.EnsureEmpty(o.cfg.RawDir())
	})
	if o.metrics != nil {
		o.metrics.LastSuccess.SetToCurrentTime()
	}
	return sum, nil
}

func (o *Orchestrator) processChunk(ctx context.Context, chunk Chunk) (Report, int, error) {
	logger := log.With().Int("chunk", chunk.Index).Str("token", chunk.Token).Logger()
	logger.Info().Int("items", len(chunk.Items)).Msg("Processing chunk")

	if err := o.download(ctx, chunk); err != nil {
		return Report{Chunk: chunk.Index, Token: chunk.Token}, 0, fmt.Errorf("download: %w", err)
	}

	report, err := o.pipeline.Run(ctx, chunk)
	if err != nil {
		return report, 0, err
	}

	marked := 0
	for _, item := range chunk.Items {
		if err := o.tracker.MarkProcessed(ctx, item); err != nil {
			return report, marked, err
		}
		marked++
		if o.metrics != nil {
			o.metrics.ItemsMarked.Inc()
		}
	}
	logger.Info().Int("marked", marked).Msg("Chunk complete")
	return report, marked, nil
}

// download empties the raw area and fetches the chunk's inputs into it with
// bounded parallelism. The first failure cancels the rest.
func (o *Orchestrator) download(ctx context.Context, chunk Chunk) error {
	raw := o.cfg.RawDir()
	if err := stager.EnsureEmpty(raw); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for _, item := range chunk.Items {
		g.Go(func() error {
			path, err := o.store.Download(gctx, item.Key, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", item.ID, err)
			}
			log.Debug().Str("key", item.Key).Str("path", path).Msg("Downloaded input")
			if o.metrics != nil {
				o.metrics.ItemsDownloaded.Inc()
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) countChunk(ok bool) {
	if o.metrics == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	o.metrics.ChunksTotal.WithLabelValues(result).Inc()
}
