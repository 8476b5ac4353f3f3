package config

import (
	"path/filepath"
	"testing"

	"github.com/pathomics/slidebatch/pkg/bytesize"
	"github.com/pathomics/slidebatch/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
queue: run42
bucket: slides
source_prefix: lung_queue
processed_prefix: lung_queue_processed
output_prefix: output/lung
chunk_size: 2
scratch_root: /scratch
extensions: [.svs, .ndpi]
download_parallelism: 8
storage:
  backend: filesystem
  root_dir: /srv/buckets
  part_size: 16MB
metrics:
  push_gateway: http://pushgw:9091
`
	path := testutil.TempFile(t, dir, "slidebatch.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run42", cfg.Queue)
	assert.Equal(t, "slides", cfg.Bucket)
	assert.Equal(t, 2, cfg.ChunkSize)
	assert.Equal(t, []string{".svs", ".ndpi"}, cfg.Extensions)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, 16*bytesize.MB, cfg.Storage.PartSize.Bytes())
	assert.Equal(t, "http://pushgw:9091", cfg.Metrics.PushGateway)
	assert.Equal(t, "lung_queue/run42", cfg.BatchSourcePrefix())
	assert.Equal(t, "lung_queue_processed/run42", cfg.BatchProcessedPrefix())
	assert.Equal(t, "output/lung/run42", cfg.BatchOutputPrefix())
	assert.Equal(t, "/scratch/svs", cfg.RawDir())

	// Default stages are rooted at the configured scratch dir.
	require.Len(t, cfg.Stages, 4)
	assert.Equal(t, "/scratch/til", cfg.Stages[0].WorkDir)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "breast_queue", cfg.SourcePrefix)
	assert.Equal(t, "breast_queue_processed", cfg.ProcessedPrefix)
	assert.Equal(t, "output/breast", cfg.OutputPrefix)
	assert.Equal(t, 4, cfg.ChunkSize)
	assert.Equal(t, "/data", cfg.ScratchRoot)
	assert.Equal(t, []string{".ndpi"}, cfg.Extensions)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, 64*bytesize.MB, cfg.Storage.PartSize.Bytes())
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Docker.Socket)
	assert.True(t, cfg.PullImages())

	names := make([]string, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"til_vgg16", "til_inception", "brca_tumor_seg", "nucleus_seg"}, names)
	assert.Equal(t, []string{
		"sbubmi/quip_til_classification:latest",
		"sbubmi/quip_brca_tumor_segmentation:latest",
		"sbubmi/quip_nucleus_segmentation:latest",
	}, cfg.Images())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "bad.yaml", "queue: [invalid yaml\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_StageDefaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
stages:
  - name: qc
    image: example/qc:1
    output_subdir: out
`
	path := testutil.TempFile(t, dir, "stages.yaml", content)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Stages, 1)
	s := cfg.Stages[0]
	assert.Equal(t, StagingFresh, s.Staging)
	assert.Equal(t, CleanupWipe, s.Cleanup)
	assert.Equal(t, "/data", s.MountTarget)
	assert.Equal(t, "qc", s.UploadName)
	assert.Equal(t, "/data/qc", s.WorkDir)
	assert.Equal(t, "/data/qc/svs", s.InputDir())
	assert.Equal(t, "/data/qc/out", s.OutputDir())
}

func TestStageSpecOutputDir(t *testing.T) {
	s := StageSpec{WorkDir: "/data/nucleus_seg"}
	assert.Equal(t, "/data/nucleus_seg", s.OutputDir())
	assert.Equal(t, filepath.Join("/data/nucleus_seg", "svs"), s.InputDir())
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Queue = "run42"
	cfg.Bucket = "slides"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing queue", mutate: func(c *Config) { c.Queue = "" }, wantErr: "queue name is required"},
		{name: "slash in queue", mutate: func(c *Config) { c.Queue = "a/b" }, wantErr: "must not contain"},
		{name: "missing bucket", mutate: func(c *Config) { c.Bucket = "" }, wantErr: "bucket is required"},
		{name: "zero chunk size", mutate: func(c *Config) { c.ChunkSize = -1 }, wantErr: "chunk_size"},
		{name: "zero parallelism", mutate: func(c *Config) { c.Parallelism = -2 }, wantErr: "download_parallelism"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, wantErr: "unknown storage backend"},
		{name: "tiny part size", mutate: func(c *Config) { c.Storage.PartSize = bytesize.Size(bytesize.MB) }, wantErr: "part_size must be at least 5.00 MB"},
		{name: "filesystem without root", mutate: func(c *Config) { c.Storage.Backend = "filesystem" }, wantErr: "root_dir"},
		{name: "no stages", mutate: func(c *Config) { c.Stages = nil }, wantErr: "at least one stage"},
		{name: "duplicate stage", mutate: func(c *Config) { c.Stages[2].Name = "til_vgg16" }, wantErr: "duplicate stage"},
		{name: "missing image", mutate: func(c *Config) { c.Stages[0].Image = "" }, wantErr: "image is required"},
		{name: "relative work dir", mutate: func(c *Config) { c.Stages[0].WorkDir = "til" }, wantErr: "absolute"},
		{name: "work dir is raw dir", mutate: func(c *Config) { c.Stages[2].WorkDir = "/data/svs" }, wantErr: "raw download area"},
		{name: "first stage reuses", mutate: func(c *Config) { c.Stages[0].Staging = StagingReuse }, wantErr: "first stage"},
		{name: "reuse after wipe", mutate: func(c *Config) { c.Stages[0].Cleanup = CleanupWipe }, wantErr: "reuse requires"},
		{name: "bad staging", mutate: func(c *Config) { c.Stages[2].Staging = "copy" }, wantErr: "unknown staging"},
		{name: "bad cleanup", mutate: func(c *Config) { c.Stages[2].Cleanup = "shred" }, wantErr: "unknown cleanup"},
		{name: "last stage keeps", mutate: func(c *Config) { c.Stages[3].Cleanup = CleanupKeep }, wantErr: "last stage"},
		{name: "drop inputs with subdir", mutate: func(c *Config) { c.Stages[2].DropInputs = true }, wantErr: "drop_inputs_before_upload only"},
		{name: "clear output without subdir", mutate: func(c *Config) { c.Stages[3].ClearOutput = true }, wantErr: "clear_output requires"},
		{name: "whole dir without drop", mutate: func(c *Config) { c.Stages[3].DropInputs = false }, wantErr: "requires drop_inputs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_MissingQueueIsSentinel(t *testing.T) {
	cfg := validConfig(t)
	cfg.Queue = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingQueue)
}
