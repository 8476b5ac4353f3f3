package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pathomics/slidebatch/internal/config"
	"github.com/pathomics/slidebatch/internal/metrics"
	"github.com/pathomics/slidebatch/internal/objstore"
	"github.com/pathomics/slidebatch/internal/stager"
	"github.com/rs/zerolog/log"
)

// StageRunner executes one stage's container against a working directory.
type StageRunner interface {
	Run(ctx context.Context, spec config.StageSpec, workDir string) error
}

// Reclaimer normalizes ownership of files a container created.
type Reclaimer interface {
	Reclaim(ctx context.Context, path string) error
}

// Pipeline runs one chunk through every configured stage in order.
type Pipeline struct {
	stages    []config.StageSpec
	rawDir    string
	store     objstore.Store
	runner    StageRunner
	reclaimer Reclaimer
	metrics   *metrics.BatchMetrics
}

// NewPipeline creates a pipeline over stages, reading inputs from rawDir.
// A nil reclaimer skips ownership normalization and nil metrics records nothing.
func NewPipeline(stages []config.StageSpec, rawDir string, store objstore.Store, runner StageRunner, reclaimer Reclaimer, m *metrics.BatchMetrics) *Pipeline {
	return &Pipeline{
		stages:    stages,
		rawDir:    rawDir,
		store:     store,
		runner:    runner,
		reclaimer: reclaimer,
		metrics:   m,
	}
}

// Run executes every stage for chunk and stops at the first failure.
// The returned error, if any, is the failing outcome's *StageError.
// Run never writes processed markers.
func (p *Pipeline) Run(ctx context.Context, chunk Chunk) (Report, error) {
	report := Report{Chunk: chunk.Index, Token: chunk.Token}
	for _, spec := range p.stages {
		out := p.runStage(ctx, chunk, spec)
		report.Outcomes = append(report.Outcomes, out)
		p.record(out)
		if out.Err != nil {
			return report, out.Err
		}
	}
	return report, nil
}

func (p *Pipeline) runStage(ctx context.Context, chunk Chunk, spec config.StageSpec) Outcome {
	start := time.Now()
	out := Outcome{Stage: spec.Name}
	logger := log.With().
		Int("chunk", chunk.Index).
		Str("token", chunk.Token).
		Str("stage", spec.Name).
		Logger()

	fail := func(step string, err error) Outcome {
		out.Err = &StageError{Stage: spec.Name, Step: step, Err: err}
		out.Duration = time.Since(start)
		logger.Error().Err(err).Str("step", step).Msg("Stage failed")
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(StepStage, err)
	}

	linked, err := p.prepare(ctx, spec)
	if err != nil {
		return fail(StepStage, err)
	}
	out.Linked = linked
	logger.Info().Int("linked", linked).Str("work_dir", spec.WorkDir).Msg("Working dir staged")

	if err := p.runner.Run(ctx, spec, spec.WorkDir); err != nil {
		return fail(StepRun, err)
	}
	p.reclaim(ctx, spec.WorkDir)

	if spec.DropInputs {
		if err := stager.Remove(spec.InputDir()); err != nil {
			return fail(StepUpload, fmt.Errorf("drop inputs: %w", err))
		}
	}
	dest := objstore.JoinKey(chunk.OutputPrefix, chunk.Token, spec.UploadName)
	uploaded, err := p.store.UploadDir(ctx, spec.OutputDir(), dest)
	if err != nil {
		return fail(StepUpload, err)
	}
	out.Uploaded = uploaded
	logger.Info().Int("files", uploaded).Str("prefix", dest).Msg("Stage output uploaded")

	if spec.Cleanup == config.CleanupWipe {
		if err := stager.EnsureEmpty(spec.WorkDir); err != nil {
			return fail(StepCleanup, err)
		}
	}

	out.Duration = time.Since(start)
	logger.Info().Dur("duration", out.Duration).Msg("Stage complete")
	return out
}

// prepare readies spec's working dir and returns how many inputs were linked.
func (p *Pipeline) prepare(ctx context.Context, spec config.StageSpec) (int, error) {
	p.reclaim(ctx, spec.WorkDir)

	linked := 0
	switch spec.Staging {
	case config.StagingReuse:
		info, err := os.Stat(spec.WorkDir)
		if err != nil {
			return 0, fmt.Errorf("reuse working dir: %w", err)
		}
		if !info.IsDir() {
			return 0, fmt.Errorf("reuse working dir %s: %w", spec.WorkDir, stager.ErrNotDir)
		}
		if spec.ClearOutput && spec.OutputSubdir != "" {
			if err := stager.EnsureEmpty(spec.OutputDir()); err != nil {
				return 0, err
			}
		}
	default:
		if err := stager.EnsureEmpty(spec.WorkDir); err != nil {
			return 0, err
		}
		n, err := stager.Stage(p.rawDir, spec.InputDir())
		if err != nil {
			return 0, err
		}
		linked = n
	}

	if len(spec.ArtifactPatterns) > 0 {
		n, err := stager.CleanArtifacts(filepath.Join(spec.WorkDir, spec.ArtifactDir), spec.ArtifactPatterns)
		if err != nil {
			return 0, fmt.Errorf("clean artifacts: %w", err)
		}
		log.Debug().Str("stage", spec.Name).Int("removed", n).Msg("Removed leftover artifacts")
	}
	return linked, nil
}

func (p *Pipeline) reclaim(ctx context.Context, path string) {
	if p.reclaimer == nil {
		return
	}
	stager.BestEffort("reclaim "+path, func() error {
		return p.reclaimer.Reclaim(ctx, path)
	})
}

func (p *Pipeline) record(out Outcome) {
	if p.metrics == nil {
		return
	}
	p.metrics.StageDuration.WithLabelValues(out.Stage).Observe(out.Duration.Seconds())
	if out.Err != nil {
		p.metrics.StageFailures.WithLabelValues(out.Stage, out.Err.Step).Inc()
		return
	}
	p.metrics.FilesUploaded.WithLabelValues(out.Stage).Add(float64(out.Uploaded))
}
