// Package config handles configuration loading and validation for slidebatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pathomics/slidebatch/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize = 5 * bytesize.MB

// ErrMissingQueue is returned when no batch/queue name was supplied.
var ErrMissingQueue = errors.New("queue name is required")

// Staging policies for a stage's working directory.
const (
	StagingFresh = "fresh" // wipe the working dir and hard-link the raw inputs
	StagingReuse = "reuse" // keep the previous stage's working dir
)

// Cleanup policies applied after a stage's upload.
const (
	CleanupKeep = "keep"
	CleanupWipe = "wipe"
)

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend  string        `yaml:"backend"`   // "s3" or "filesystem"
	Region   string        `yaml:"region"`    // AWS region (s3 backend)
	Endpoint string        `yaml:"endpoint"`  // Custom S3-compatible endpoint (optional)
	RootDir  string        `yaml:"root_dir"`  // Directory holding buckets (filesystem backend)
	PartSize bytesize.Size `yaml:"part_size"` // Multipart part size, e.g. "64MB"

	// Optional static credentials; the AWS default chain (env, profile, IMDS) applies otherwise.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// DockerConfig holds configuration for the container runtime.
type DockerConfig struct {
	Socket string `yaml:"socket"`
	Pull   *bool  `yaml:"pull"` // Pull stage images before the run (default: true)
}

// OwnershipConfig controls how stage output ownership is reclaimed.
type OwnershipConfig struct {
	// Command is run with the path appended, e.g. [sudo, chown, -R, ubuntu].
	// Empty means walk the tree and chown to the invoking user.
	Command []string `yaml:"command"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	PushGateway string `yaml:"push_gateway"` // Pushgateway URL; empty disables pushing
	Job         string `yaml:"job"`
}

// StageSpec is the static descriptor of one analysis stage.
type StageSpec struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env"`
	WorkDir     string            `yaml:"work_dir"`     // Local working directory root
	MountTarget string            `yaml:"mount_target"` // Where WorkDir is mounted in the container
	GPU         bool              `yaml:"gpu"`

	Staging          string   `yaml:"staging"`           // "fresh" or "reuse"
	ClearOutput      bool     `yaml:"clear_output"`      // Empty the output area before running (reuse only)
	ArtifactDir      string   `yaml:"artifact_dir"`      // Relative to WorkDir
	ArtifactPatterns []string `yaml:"artifact_patterns"` // Leftovers of an earlier stage to delete
	OutputSubdir     string   `yaml:"output_subdir"`     // Relative to WorkDir; empty uploads WorkDir itself
	DropInputs       bool     `yaml:"drop_inputs_before_upload"`
	UploadName       string   `yaml:"upload_name"`
	Cleanup          string   `yaml:"cleanup"` // "keep" or "wipe"
}

// InputDir returns the stage's input mirror directory.
func (s StageSpec) InputDir() string {
	return filepath.Join(s.WorkDir, "svs")
}

// OutputDir returns the directory the stage writes results to and that gets uploaded.
func (s StageSpec) OutputDir() string {
	if s.OutputSubdir == "" {
		return s.WorkDir
	}
	return filepath.Join(s.WorkDir, s.OutputSubdir)
}

// Config is the complete, immutable run configuration.
type Config struct {
	Queue           string   `yaml:"queue"`
	Bucket          string   `yaml:"bucket"`
	SourcePrefix    string   `yaml:"source_prefix"`
	ProcessedPrefix string   `yaml:"processed_prefix"`
	OutputPrefix    string   `yaml:"output_prefix"`
	ChunkSize       int      `yaml:"chunk_size"`
	ScratchRoot     string   `yaml:"scratch_root"`
	Extensions      []string `yaml:"extensions"`
	Parallelism     int      `yaml:"download_parallelism"`
	DryRun          bool     `yaml:"dry_run"`

	Storage   StorageConfig   `yaml:"storage"`
	Docker    DockerConfig    `yaml:"docker"`
	Ownership OwnershipConfig `yaml:"ownership"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Stages    []StageSpec     `yaml:"stages"`
}

// BatchSourcePrefix returns the prefix holding this batch's raw inputs.
func (c *Config) BatchSourcePrefix() string {
	return joinKey(c.SourcePrefix, c.Queue)
}

// BatchProcessedPrefix returns the prefix holding this batch's markers.
func (c *Config) BatchProcessedPrefix() string {
	return joinKey(c.ProcessedPrefix, c.Queue)
}

// BatchOutputPrefix returns the prefix stage output is uploaded under.
func (c *Config) BatchOutputPrefix() string {
	return joinKey(c.OutputPrefix, c.Queue)
}

// RawDir returns the local directory chunk inputs are downloaded into.
func (c *Config) RawDir() string {
	return filepath.Join(c.ScratchRoot, "svs")
}

// PullImages reports whether stage images should be pulled before the run.
func (c *Config) PullImages() bool {
	return c.Docker.Pull == nil || *c.Docker.Pull
}

func joinKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// Load loads configuration from a YAML file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in every unset field.
func (c *Config) ApplyDefaults() {
	if c.SourcePrefix == "" {
		c.SourcePrefix = "breast_queue"
	}
	if c.ProcessedPrefix == "" {
		c.ProcessedPrefix = "breast_queue_processed"
	}
	if c.OutputPrefix == "" {
		c.OutputPrefix = "output/breast"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = "/data"
	}
	c.ScratchRoot = expandHome(c.ScratchRoot)
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".ndpi"}
	}
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "s3"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.PartSize == 0 {
		c.Storage.PartSize = bytesize.Size(64 * bytesize.MB)
	}
	c.Storage.RootDir = expandHome(c.Storage.RootDir)

	if c.Docker.Socket == "" {
		c.Docker.Socket = "unix:///var/run/docker.sock"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "slidebatch"
	}

	if len(c.Stages) == 0 {
		c.Stages = DefaultStages(c.ScratchRoot)
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Staging == "" {
			s.Staging = StagingFresh
		}
		if s.Cleanup == "" {
			s.Cleanup = CleanupWipe
		}
		if s.MountTarget == "" {
			s.MountTarget = "/data"
		}
		if s.UploadName == "" {
			s.UploadName = s.Name
		}
		if s.WorkDir == "" {
			s.WorkDir = filepath.Join(c.ScratchRoot, s.Name)
		}
		s.WorkDir = expandHome(s.WorkDir)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Queue == "" {
		return ErrMissingQueue
	}
	if strings.Contains(c.Queue, "/") {
		return fmt.Errorf("queue name must not contain '/'")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("download_parallelism must be positive")
	}
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.PartSize.Bytes() < minPartSize {
			return fmt.Errorf("storage.part_size must be at least %s", bytesize.Format(minPartSize))
		}
	case "filesystem":
		if c.Storage.RootDir == "" {
			return fmt.Errorf("storage.root_dir is required for the filesystem backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}

	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Image == "" {
			return fmt.Errorf("stage %s: image is required", s.Name)
		}
		if !filepath.IsAbs(s.WorkDir) {
			return fmt.Errorf("stage %s: work_dir must be absolute", s.Name)
		}
		if filepath.Clean(s.WorkDir) == filepath.Clean(c.RawDir()) {
			return fmt.Errorf("stage %s: work_dir must differ from the raw download area", s.Name)
		}
		switch s.Staging {
		case StagingFresh:
		case StagingReuse:
			if i == 0 {
				return fmt.Errorf("stage %s: first stage cannot reuse a previous working dir", s.Name)
			}
			if prev := c.Stages[i-1]; prev.Cleanup != CleanupKeep || prev.WorkDir != s.WorkDir {
				return fmt.Errorf("stage %s: reuse requires previous stage %s to keep the same work_dir", s.Name, prev.Name)
			}
		default:
			return fmt.Errorf("stage %s: unknown staging policy %q", s.Name, s.Staging)
		}
		if s.Cleanup != CleanupKeep && s.Cleanup != CleanupWipe {
			return fmt.Errorf("stage %s: unknown cleanup policy %q", s.Name, s.Cleanup)
		}
		if s.Cleanup == CleanupKeep && i == len(c.Stages)-1 {
			return fmt.Errorf("stage %s: last stage cannot keep its working dir", s.Name)
		}
		if s.ClearOutput && s.OutputSubdir == "" {
			return fmt.Errorf("stage %s: clear_output requires output_subdir", s.Name)
		}
		if s.DropInputs && s.OutputSubdir != "" {
			return fmt.Errorf("stage %s: drop_inputs_before_upload only applies when uploading the whole work_dir", s.Name)
		}
		if s.OutputSubdir == "" && !s.DropInputs {
			return fmt.Errorf("stage %s: uploading the whole work_dir requires drop_inputs_before_upload", s.Name)
		}
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
