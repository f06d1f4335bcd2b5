// Package commit promotes fully staged range groups into the final archive
// namespace once finality has moved far enough past them, in strictly
// ascending range order, with rename-based atomic publication.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/slotvault/slotvault/pkg/journal"
	"github.com/slotvault/slotvault/pkg/slotrange"
	"github.com/slotvault/slotvault/pkg/staging"
)

const (
	renameRetryInitial  = 10 * time.Millisecond
	renameRetryCap      = 2 * time.Second
	renameRetryAttempts = 8
)

// Stager is the slice of the staging layer the scheduler drives.
type Stager interface {
	BeginCommit(r slotrange.Range) (staging.Group, error)
	FinishCommit(r slotrange.Range)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "commit")
		}
	}
}

// WithOnFatal registers the hook invoked when promotion fails persistently
// and the queue halts.
func WithOnFatal(fn func(error)) Option {
	return func(s *Scheduler) {
		s.onFatal = fn
	}
}

// Scheduler watches the finality watermark and promotes eligible staged
// groups. One goroutine, woken by Notify and Advance; no timers.
type Scheduler struct {
	workspace string
	delay     uint64
	stager    Stager
	jrn       *journal.Journal
	manifest  *Manifest
	logger    *slog.Logger
	onFatal   func(error)

	mu        sync.Mutex
	confirmed uint64
	hasConf   bool
	queue     []slotrange.Range
	queued    map[uint64]bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	commitCount atomic.Uint64
}

// New builds a Scheduler. The manifest may be nil in tooling contexts.
func New(workspace string, delay uint64, stager Stager, jrn *journal.Journal, manifest *Manifest, opts ...Option) *Scheduler {
	s := &Scheduler{
		workspace: workspace,
		delay:     delay,
		stager:    stager,
		jrn:       jrn,
		manifest:  manifest,
		logger:    slog.Default().With("component", "commit"),
		queued:    make(map[uint64]bool),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify queues a fully staged range for promotion. Duplicate
// notifications for the same range collapse into one entry.
func (s *Scheduler) Notify(r slotrange.Range) {
	s.mu.Lock()
	if !s.queued[r.Start] {
		s.queued[r.Start] = true
		i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].End >= r.End })
		s.queue = append(s.queue, slotrange.Range{})
		copy(s.queue[i+1:], s.queue[i:])
		s.queue[i] = r
	}
	s.mu.Unlock()
	s.kick()
}

// Advance raises the highest confirmed slot. Only rooted slots feed this;
// regressions are ignored.
func (s *Scheduler) Advance(slot uint64) {
	s.mu.Lock()
	if s.hasConf && slot <= s.confirmed {
		s.mu.Unlock()
		return
	}
	s.confirmed = slot
	s.hasConf = true
	s.mu.Unlock()
	s.kick()
}

// Rebuild enqueues recovered staged groups after a restart.
func (s *Scheduler) Rebuild(groups []staging.Group) {
	for _, g := range groups {
		s.Notify(g.Range)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueDepth returns the number of staged groups awaiting eligibility.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CommitCount returns the number of range groups promoted since open.
func (s *Scheduler) CommitCount() uint64 {
	return s.commitCount.Load()
}

// HighestConfirmed returns the finality watermark.
func (s *Scheduler) HighestConfirmed() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed, s.hasConf
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops the scheduler. A promotion in progress finishes first.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			if err := s.promoteEligible(); err != nil {
				s.logger.Error("commit scheduler halted", slog.Any("error", err))
				if s.onFatal != nil {
					s.onFatal(err)
				}
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// promoteEligible walks the queue head while it is eligible. The scan stops
// at the first ineligible entry so promotions leave in ascending range
// order even when a later range became eligible first.
func (s *Scheduler) promoteEligible() error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || !s.hasConf || s.confirmed < s.delay {
			s.mu.Unlock()
			return nil
		}
		head := s.queue[0]
		if head.End > s.confirmed-s.delay {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if err := s.promote(head); err != nil {
			return err
		}
		s.dequeue(head)
	}
}

func (s *Scheduler) dequeue(r slotrange.Range) {
	s.mu.Lock()
	delete(s.queued, r.Start)
	for i := range s.queue {
		if s.queue[i].Start == r.Start {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) promote(r slotrange.Range) error {
	group, err := s.stager.BeginCommit(r)
	if err != nil {
		if errors.Is(err, staging.ErrRangeCommitted) || errors.Is(err, staging.ErrRangeNotStaged) {
			// raced with a straggler or an already-resumed promotion; the
			// staging layer re-notifies when the group is whole again
			s.logger.Warn("skipping queued range", slog.String("range", r.String()), slog.Any("reason", err))
			return nil
		}
		return fmt.Errorf("freeze range for commit: %w", err)
	}
	return s.promoteGroup(group, true)
}

// promoteGroup publishes one staged group into the final namespace. Every
// step tolerates having already run, so a crashed promotion resumes by
// walking the same sequence.
func (s *Scheduler) promoteGroup(group staging.Group, finishStager bool) error {
	finalDir := slotrange.FinalDir(s.workspace, group.Range)
	tmpDir := slotrange.CommitTmpDir(s.workspace, group.Range)

	if _, err := os.Stat(finalDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(tmpDir, 0o755); err != nil {
			return fmt.Errorf("create commit staging dir: %w", err)
		}
		for _, gen := range group.Generations {
			src := slotrange.StagingDataPath(s.workspace, group.Range, gen.Number)
			dst := filepath.Join(tmpDir, slotrange.DataFileName(gen.Number))
			if err := s.renameWithRetry(src, dst); err != nil {
				return fmt.Errorf("stage generation %d for commit: %w", gen.Number, err)
			}
			stagingDir := slotrange.StagingDir(s.workspace, group.Range, gen.Number)
			if err := os.Remove(stagingDir); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove emptied staging dir", slog.String("dir", stagingDir), slog.Any("error", err))
			}
		}
		if err := syncDir(tmpDir); err != nil {
			return fmt.Errorf("fsync commit staging dir: %w", err)
		}
		if err := s.renameWithRetry(tmpDir, finalDir); err != nil {
			return fmt.Errorf("publish range group: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat final dir: %w", err)
	}
	if err := syncDir(slotrange.FinalRoot(s.workspace)); err != nil {
		return fmt.Errorf("fsync final root: %w", err)
	}

	// the queue-entry removal is itself journaled, exactly once
	rec := journal.Record{Kind: journal.RecordCommit, Range: group.Range}
	if err := s.jrn.Append(rec, nil); err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}

	if finishStager {
		s.stager.FinishCommit(group.Range)
	}

	if s.manifest != nil {
		entry := ManifestEntry{
			RangeStart:  group.Range.Start,
			RangeEnd:    group.Range.End,
			Generations: len(group.Generations),
			Bytes:       group.Bytes(),
			Frames:      group.Frames(),
			CommittedAt: time.Now().UTC(),
		}
		if err := s.manifest.Record(entry); err != nil {
			s.logger.Warn("record manifest entry", slog.String("range", group.Range.String()), slog.Any("error", err))
		}
	}

	s.commitCount.Add(1)
	s.logger.Info("committed range group",
		slog.String("range", group.Range.String()),
		slog.Int("generations", len(group.Generations)),
		slog.Int64("bytes", group.Bytes()),
		slog.Uint64("frames", group.Frames()))
	return nil
}

// Resume finishes promotions a crash interrupted, before the staging layer
// restores. A staged group whose final directory or commit tmp directory
// exists already passed eligibility; only its commit record may be missing.
// Each resumed commit is journaled and folded back into st so later
// recovery stages see the range as committed.
func (s *Scheduler) Resume(st *journal.State) error {
	byRange := make(map[uint64]*staging.Group)
	complete := make(map[uint64]bool)
	for _, f := range st.SortedFiles() {
		g := byRange[f.Range.Start]
		if g == nil {
			g = &staging.Group{Range: f.Range}
			byRange[f.Range.Start] = g
			complete[f.Range.Start] = true
		}
		if !f.Staged {
			complete[f.Range.Start] = false
			continue
		}
		g.Generations = append(g.Generations, staging.Generation{
			Number: f.Generation,
			Size:   int64(f.Size),
			Frames: f.FrameCount,
			Digest: f.Digest,
		})
	}

	groups := make([]*staging.Group, 0, len(byRange))
	for start, g := range byRange {
		if complete[start] && len(g.Generations) > 0 {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Range.End < groups[j].Range.End })

	for _, g := range groups {
		finalExists := dirExists(slotrange.FinalDir(s.workspace, g.Range))
		tmpExists := dirExists(slotrange.CommitTmpDir(s.workspace, g.Range))
		if !finalExists && !tmpExists {
			continue
		}
		s.logger.Info("resuming interrupted commit",
			slog.String("range", g.Range.String()),
			slog.Bool("published", finalExists))
		if err := s.promoteGroup(*g, false); err != nil {
			return fmt.Errorf("resume commit of %s: %w", g.Range, err)
		}
		st.Apply(journal.Record{Kind: journal.RecordCommit, Range: g.Range})
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// renameWithRetry renames with capped exponential backoff. A rename whose
// source is gone while the destination exists already happened.
func (s *Scheduler) renameWithRetry(src, dst string) error {
	backoff := retry.NewExponential(renameRetryInitial)
	backoff = retry.WithCappedDuration(renameRetryCap, backoff)
	backoff = retry.WithMaxRetries(renameRetryAttempts, backoff)
	return retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
		}
		s.logger.Warn("rename failed, will retry",
			slog.String("src", src),
			slog.String("dst", dst),
			slog.Any("error", err))
		return retry.RetryableError(err)
	})
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
