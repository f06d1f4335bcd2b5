// Package archiver is the facade the embedding host drives: it wires the
// journal, staging and commit layers over one workspace, dispatches host
// callbacks into the pipeline and runs recovery on open.
package archiver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slotvault/slotvault/pkg/commit"
	"github.com/slotvault/slotvault/pkg/config"
	"github.com/slotvault/slotvault/pkg/journal"
	"github.com/slotvault/slotvault/pkg/slotrange"
	"github.com/slotvault/slotvault/pkg/staging"
	"github.com/slotvault/slotvault/pkg/update"
)

var (
	ErrNotOpen = errors.New("archiver is not open")
	ErrClosed  = errors.New("archiver is closed")
)

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the root logger; components derive theirs from it.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.root = logger
		}
	}
}

// Archiver accepts host update callbacks and archives them durably.
// Callbacks may run concurrently; Open must complete before the first
// callback and Close stops intake before draining.
type Archiver struct {
	cfg    config.Config
	root   *slog.Logger
	logger *slog.Logger

	jrn      *journal.Journal
	mgr      *staging.Manager
	sched    *commit.Scheduler
	manifest *commit.Manifest

	// first accepted slot boundary, stored +1 so zero means unset
	aligned atomic.Uint64
	alignMu sync.Mutex

	fatalMu  sync.Mutex
	fatalErr error

	opened atomic.Bool
	ready  atomic.Bool
	closed atomic.Bool

	updatesSeen    atomic.Uint64
	updatesDropped atomic.Uint64
}

// New validates the configuration and builds an unopened Archiver.
func New(cfg config.Config, opts ...Option) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Archiver{
		cfg:  cfg,
		root: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.root.With("component", "archiver")
	return a, nil
}

// Open recovers the workspace and starts the pipeline: journal replay,
// interrupted-commit resume, staging restore, commit queue rebuild.
func (a *Archiver) Open() error {
	if !a.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("archiver already opened")
	}
	start := time.Now()

	for _, dir := range []string{
		slotrange.StagingRoot(a.cfg.Workspace),
		slotrange.FinalRoot(a.cfg.Workspace),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace directory: %w", err)
		}
	}

	jrn, err := journal.Open(slotrange.JournalDir(a.cfg.Workspace),
		journal.WithSegmentSize(a.cfg.JournalSegmentSize()),
		journal.WithQueueDepth(a.cfg.JournalQueueDepth),
		journal.WithStallTimeout(a.cfg.WriteStallTimeout()),
		journal.WithCheckpointEvery(a.cfg.CheckpointEveryRecords),
		journal.WithLogger(a.root),
	)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st := jrn.State()
	if st.HasFirstAligned {
		a.aligned.Store(st.FirstAligned + 1)
	}
	jrn.Start()

	manifest, err := commit.OpenManifest(slotrange.ManifestPath(a.cfg.Workspace))
	if err != nil {
		_ = jrn.Close()
		return fmt.Errorf("open commit manifest: %w", err)
	}

	mgr := staging.New(staging.Params{
		Workspace:   a.cfg.Workspace,
		Width:       a.cfg.SlotRange,
		MaxFileSize: a.cfg.MaxFileSize(),
		Policy:      a.cfg.Policy(),
	}, jrn, staging.WithLogger(a.root))

	sched := commit.New(a.cfg.Workspace, a.cfg.CommitSlotDelay, mgr, jrn, manifest,
		commit.WithLogger(a.root),
		commit.WithOnFatal(a.latchFatal),
	)
	mgr.OnStaged(sched.Notify)

	// finish half-done promotions first so staging restore never mistakes
	// a moved file for a lost one
	if err := sched.Resume(st); err != nil {
		_ = jrn.Close()
		_ = manifest.Close()
		return fmt.Errorf("resume interrupted commits: %w", err)
	}
	report, err := mgr.Restore(st)
	if err != nil {
		_ = mgr.Close()
		_ = jrn.Close()
		_ = manifest.Close()
		return fmt.Errorf("restore staging state: %w", err)
	}
	sched.Rebuild(mgr.StagedGroups())
	if st.HasConfirmed {
		sched.Advance(st.HighestConfirmed)
	}
	sched.Start()

	a.jrn, a.mgr, a.sched, a.manifest = jrn, mgr, sched, manifest
	a.ready.Store(true)

	a.logger.Info("archiver recovered",
		slog.Uint64("journal_records", st.LastSeq),
		slog.Int("files_open", report.FilesOpen),
		slog.Int("files_staged", report.FilesStaged),
		slog.Int("abandoned", report.Abandoned),
		slog.Int("swept", report.Swept),
		slog.Int("commit_queue", sched.QueueDepth()),
		slog.Duration("took", time.Since(start)))
	return nil
}

// OnAccountUpdate archives one account write observed at slot.
func (a *Archiver) OnAccountUpdate(slot uint64, payload []byte) error {
	return a.ingest(update.Raw{Kind: update.KindAccountUpdate, Version: update.CurrentVersion, Slot: slot, Payload: payload})
}

// OnTransaction archives one processed transaction observed at slot.
func (a *Archiver) OnTransaction(slot uint64, payload []byte) error {
	return a.ingest(update.Raw{Kind: update.KindTransaction, Version: update.CurrentVersion, Slot: slot, Payload: payload})
}

// OnBlockMetadata archives one block metadata record for slot.
func (a *Archiver) OnBlockMetadata(slot uint64, payload []byte) error {
	return a.ingest(update.Raw{Kind: update.KindBlockMetadata, Version: update.CurrentVersion, Slot: slot, Payload: payload})
}

// OnSlotStatus archives a commitment marker for slot. A rooted status
// additionally advances the finality watermark that drives commits.
func (a *Archiver) OnSlotStatus(slot uint64, status update.Status) error {
	return a.ingest(update.Raw{Kind: update.KindSlotStatus, Version: update.CurrentVersion, Slot: slot, Status: status})
}

func (a *Archiver) ingest(raw update.Raw) error {
	if err := a.gate(); err != nil {
		return err
	}
	a.updatesSeen.Add(1)

	u, err := update.Normalize(raw, time.Now().UTC())
	if err != nil {
		var schemaErr *update.SchemaError
		if errors.As(err, &schemaErr) {
			a.updatesDropped.Add(1)
			a.logger.Warn("dropping malformed update",
				slog.String("kind", raw.Kind.String()),
				slog.Uint64("slot", raw.Slot),
				slog.Any("error", err))
			return nil
		}
		return err
	}

	floor, err := a.alignedFloor(u.Slot)
	if err != nil {
		return a.check(err)
	}
	if u.Slot < floor {
		a.updatesDropped.Add(1)
		a.logger.Debug("skipping slot below first aligned boundary",
			slog.Uint64("slot", u.Slot),
			slog.Uint64("boundary", floor))
		return nil
	}

	if err := a.mgr.Append(u); err != nil {
		if errors.Is(err, staging.ErrRangeCommitted) {
			a.updatesDropped.Add(1)
			a.logger.Error("dropping write to committed range",
				slog.String("kind", u.Kind.String()),
				slog.Uint64("slot", u.Slot))
			return nil
		}
		return a.check(err)
	}

	if status, ok := update.StatusOf(u); ok && status == update.StatusRooted {
		if err := a.jrn.Append(journal.Record{Kind: journal.RecordRooted, Slot: u.Slot}, nil); err != nil {
			return a.check(err)
		}
		a.sched.Advance(u.Slot)
	}
	return nil
}

// alignedFloor returns the first slot the pipeline accepts. The first
// observed slot fixes the boundary at the next range start and journals
// it, so partial leading ranges are never staged, across restarts too.
func (a *Archiver) alignedFloor(slot uint64) (uint64, error) {
	if v := a.aligned.Load(); v != 0 {
		return v - 1, nil
	}
	a.alignMu.Lock()
	defer a.alignMu.Unlock()
	if v := a.aligned.Load(); v != 0 {
		return v - 1, nil
	}

	floor := slotrange.AlignUp(slot, a.cfg.SlotRange)
	if err := a.jrn.Append(journal.Record{Kind: journal.RecordAligned, Slot: floor}, nil); err != nil {
		return 0, err
	}
	a.aligned.Store(floor + 1)
	a.logger.Info("first slot boundary pinned",
		slog.Uint64("first_slot", slot),
		slog.Uint64("boundary", floor))
	return floor, nil
}

func (a *Archiver) gate() error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.ready.Load() {
		return ErrNotOpen
	}
	return a.fatal()
}

func (a *Archiver) fatal() error {
	a.fatalMu.Lock()
	err := a.fatalErr
	a.fatalMu.Unlock()
	if err != nil {
		return err
	}
	return a.jrn.Err()
}

// check latches errors that mean the pipeline cannot make progress.
func (a *Archiver) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, journal.ErrWriteStall) || errors.Is(err, journal.ErrClosed) || a.jrn.Err() != nil {
		a.latchFatal(err)
	}
	return err
}

func (a *Archiver) latchFatal(err error) {
	a.fatalMu.Lock()
	defer a.fatalMu.Unlock()
	if a.fatalErr != nil {
		return
	}
	a.fatalErr = err
	a.logger.Error("archiver entered fatal state", slog.Any("error", err))
}

// Stats is a point-in-time snapshot of the pipeline counters.
type Stats struct {
	UpdatesSeen      uint64
	UpdatesDropped   uint64
	FramesStaged     uint64
	BytesStaged      uint64
	Seals            uint64
	Abandons         uint64
	Commits          uint64
	JournalRecords   uint64
	JournalFlushes   uint64
	CommitQueueDepth int
	HighestObserved  uint64
	HighestConfirmed uint64
}

// Stats returns the current counters. Watermarks read zero until first
// observed and first rooted respectively.
func (a *Archiver) Stats() Stats {
	s := Stats{
		UpdatesSeen:    a.updatesSeen.Load(),
		UpdatesDropped: a.updatesDropped.Load(),
	}
	if !a.ready.Load() {
		return s
	}
	s.FramesStaged = a.mgr.FramesStaged()
	s.BytesStaged = a.mgr.BytesStaged()
	s.Seals = a.mgr.SealCount()
	s.Abandons = a.mgr.AbandonCount()
	s.Commits = a.sched.CommitCount()
	s.JournalRecords = a.jrn.RecordsWrittenCount()
	s.JournalFlushes = a.jrn.FlushCount()
	s.CommitQueueDepth = a.sched.QueueDepth()
	if observed, ok := a.mgr.HighestObserved(); ok {
		s.HighestObserved = observed
	}
	if confirmed, ok := a.sched.HighestConfirmed(); ok {
		s.HighestConfirmed = confirmed
	}
	return s
}

// Close stops intake, seals every open generation, drains the journal
// and releases the workspace. Safe to call more than once.
func (a *Archiver) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !a.ready.Load() {
		return nil
	}

	err := errors.Join(
		a.mgr.Close(),
		a.sched.Close(),
		a.jrn.Close(),
		a.manifest.Close(),
	)
	if err != nil {
		a.logger.Error("archiver closed with errors", slog.Any("error", err))
		return err
	}
	a.logger.Info("archiver closed",
		slog.Uint64("frames_staged", a.mgr.FramesStaged()),
		slog.Uint64("commits", a.sched.CommitCount()))
	return nil
}
