// Package config loads and validates the archiver configuration file.
//
// Configuration is a single JSON document. Before it is decoded into
// the typed Config the raw document is checked against an embedded
// JSON Schema, so shape mistakes (missing keys, wrong types, negative
// numbers) surface as schema violations with property paths instead of
// silently becoming zero values deep inside the archiver. Keys the
// schema does not know are tolerated: the file handed to a plugin
// usually carries loader-owned keys such as "libpath" alongside ours.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/slotvault/slotvault/pkg/frame"
)

//go:embed schema.json
var schemaJSON string

var configSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return compiler.MustCompile("schema.json")
}()

var (
	// ErrInvalidConfig wraps schema violations and JSON decoding failures.
	ErrInvalidConfig = errors.New("invalid config")

	ErrMissingWorkspace = errors.New("workspace must not be empty")
	ErrBadSlotRange     = errors.New("slot_range must be greater than zero")
	ErrBadMaxFileSize   = errors.New("max_file_size_mb must be greater than zero")
)

// Config carries every tunable of the archiver. The first four fields
// are mandatory in the configuration file, the rest default via
// Default.
type Config struct {
	// Workspace is the root directory for staging, final, and journal
	// state. It is created on open if absent.
	Workspace string `json:"workspace"`

	// SlotRange is the width of one archive group. Files and commits
	// are organized per [N*SlotRange, (N+1)*SlotRange-1] window.
	SlotRange uint64 `json:"slot_range"`

	// MaxFileSizeMB is the soft cap of one staging data file. One
	// frame may overshoot it before the file rotates.
	MaxFileSizeMB int64 `json:"max_file_size_mb"`

	// CommitSlotDelay is how many slots a range must trail the highest
	// rooted slot before it is promoted to final storage.
	CommitSlotDelay uint64 `json:"commit_slot_delay"`

	// Compression names the frame compression policy. One of "best",
	// "none", "gzip", "zstd". Empty means "best".
	Compression string `json:"compression"`

	// WriteStallTimeoutMS bounds how long an append may wait on the
	// journal queue before the archiver is declared wedged.
	WriteStallTimeoutMS int64 `json:"write_stall_timeout_ms"`

	// JournalSegmentSizeMB sizes one journal segment file.
	JournalSegmentSizeMB int64 `json:"journal_segment_size_mb"`

	// JournalQueueDepth is the journal's pending-append capacity.
	JournalQueueDepth int `json:"journal_queue_depth"`

	// CheckpointEveryRecords forces a checkpoint after this many
	// journal records even without a segment rotation.
	CheckpointEveryRecords uint64 `json:"checkpoint_every_records"`
}

// Default returns a Config with every optional field at its default
// and the mandatory fields zero.
func Default() Config {
	return Config{
		Compression:            "best",
		WriteStallTimeoutMS:    10000,
		JournalSegmentSizeMB:   16,
		JournalQueueDepth:      1024,
		CheckpointEveryRecords: 8192,
	}
}

// Load reads the configuration file at path, validates it against the
// schema, and decodes it with defaults applied for absent optional
// keys.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes a raw configuration document.
func Parse(data []byte) (Config, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies the semantic rules the schema cannot express for a
// Config assembled in code rather than loaded from a file.
func (c Config) Validate() error {
	if c.Workspace == "" {
		return ErrMissingWorkspace
	}
	if c.SlotRange == 0 {
		return ErrBadSlotRange
	}
	if c.MaxFileSizeMB <= 0 {
		return ErrBadMaxFileSize
	}
	if _, err := frame.ParsePolicy(c.Compression); err != nil {
		return err
	}
	return nil
}

// Policy returns the parsed compression policy. Validate must have
// accepted the Config first.
func (c Config) Policy() frame.Policy {
	p, _ := frame.ParsePolicy(c.Compression)
	return p
}

// MaxFileSize converts MaxFileSizeMB to bytes.
func (c Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// JournalSegmentSize converts JournalSegmentSizeMB to bytes.
func (c Config) JournalSegmentSize() int64 {
	return c.JournalSegmentSizeMB << 20
}

// WriteStallTimeout converts WriteStallTimeoutMS to a duration.
func (c Config) WriteStallTimeout() time.Duration {
	return time.Duration(c.WriteStallTimeoutMS) * time.Millisecond
}
