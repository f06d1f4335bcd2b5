package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotvault/slotvault/pkg/frame"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MinimalAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"slot_range": 1000,
		"max_file_size_mb": 256,
		"commit_slot_delay": 500
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vault", cfg.Workspace)
	assert.Equal(t, uint64(1000), cfg.SlotRange)
	assert.Equal(t, int64(256), cfg.MaxFileSizeMB)
	assert.Equal(t, uint64(500), cfg.CommitSlotDelay)

	assert.Equal(t, "best", cfg.Compression)
	assert.Equal(t, int64(10000), cfg.WriteStallTimeoutMS)
	assert.Equal(t, int64(16), cfg.JournalSegmentSizeMB)
	assert.Equal(t, 1024, cfg.JournalQueueDepth)
	assert.Equal(t, uint64(8192), cfg.CheckpointEveryRecords)
}

func TestLoad_FullDocument(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/data/vault",
		"slot_range": 2000,
		"max_file_size_mb": 64,
		"commit_slot_delay": 32,
		"compression": "zstd",
		"write_stall_timeout_ms": 500,
		"journal_segment_size_mb": 8,
		"journal_queue_depth": 64,
		"checkpoint_every_records": 100
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, frame.PolicyZstd, cfg.Policy())
	assert.Equal(t, int64(500), cfg.WriteStallTimeoutMS)
	assert.Equal(t, int64(8), cfg.JournalSegmentSizeMB)
	assert.Equal(t, 64, cfg.JournalQueueDepth)
	assert.Equal(t, uint64(100), cfg.CheckpointEveryRecords)
}

func TestLoad_UnknownKeysTolerated(t *testing.T) {
	// Plugin loaders pass their own keys in the same file.
	path := writeConfig(t, `{
		"libpath": "/usr/lib/archiver.so",
		"workspace": "/tmp/vault",
		"slot_range": 1000,
		"max_file_size_mb": 256,
		"commit_slot_delay": 500
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), cfg.SlotRange)
}

func TestLoad_MissingMandatoryKey(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"max_file_size_mb": 256,
		"commit_slot_delay": 500
	}`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "slot_range")
}

func TestLoad_WrongTypeFailsSchema(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"slot_range": "one thousand",
		"max_file_size_mb": 256,
		"commit_slot_delay": 500
	}`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_NegativeDelayFailsSchema(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"slot_range": 1000,
		"max_file_size_mb": 256,
		"commit_slot_delay": -1
	}`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_ZeroSlotRangeFailsSchema(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"slot_range": 0,
		"max_file_size_mb": 256,
		"commit_slot_delay": 500
	}`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_UnknownCompressionFailsSchema(t *testing.T) {
	path := writeConfig(t, `{
		"workspace": "/tmp/vault",
		"slot_range": 1000,
		"max_file_size_mb": 256,
		"commit_slot_delay": 500,
		"compression": "lz4"
	}`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_NotJSON(t *testing.T) {
	path := writeConfig(t, "workspace = /tmp/vault")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_SemanticRules(t *testing.T) {
	valid := Default()
	valid.Workspace = "/tmp/vault"
	valid.SlotRange = 1000
	valid.MaxFileSizeMB = 256

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(c *Config) {}, nil},
		{"empty workspace", func(c *Config) { c.Workspace = "" }, ErrMissingWorkspace},
		{"zero slot range", func(c *Config) { c.SlotRange = 0 }, ErrBadSlotRange},
		{"zero file size", func(c *Config) { c.MaxFileSizeMB = 0 }, ErrBadMaxFileSize},
		{"unknown compression", func(c *Config) { c.Compression = "snappy" }, frame.ErrUnknownPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestAccessors_UnitConversions(t *testing.T) {
	cfg := Default()
	cfg.MaxFileSizeMB = 3
	cfg.JournalSegmentSizeMB = 2
	cfg.WriteStallTimeoutMS = 1500

	assert.Equal(t, int64(3<<20), cfg.MaxFileSize())
	assert.Equal(t, int64(2<<20), cfg.JournalSegmentSize())
	assert.Equal(t, 1500*time.Millisecond, cfg.WriteStallTimeout())
	assert.Equal(t, frame.PolicyBest, cfg.Policy())
}
