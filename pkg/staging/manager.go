// Package staging owns the workspace's in-progress archive files: it routes
// normalized updates into per-range staged files, rotates generations at the
// size limit, seals ranges the slot watermark has passed and rebuilds all of
// it from journal state after a crash.
package staging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slotvault/slotvault/pkg/frame"
	"github.com/slotvault/slotvault/pkg/journal"
	"github.com/slotvault/slotvault/pkg/slotrange"
	"github.com/slotvault/slotvault/pkg/update"
)

var (
	ErrRangeCommitted = errors.New("slot range is already committed")
	ErrRangeNotStaged = errors.New("slot range is not fully staged")
	ErrManagerClosed  = errors.New("staging manager is closed")
)

const abandonedSuffix = ".abandoned"

// Generation describes one sealed file of a range group.
type Generation struct {
	Number uint32
	Size   int64
	Frames uint64
	Digest uint64
}

// Group is one fully staged range: every generation sealed, nothing open.
type Group struct {
	Range       slotrange.Range
	Generations []Generation
}

// Bytes returns the group's total staged size including file headers.
func (g Group) Bytes() int64 {
	var n int64
	for _, gen := range g.Generations {
		n += gen.Size
	}
	return n
}

// Frames returns the group's total frame count.
func (g Group) Frames() uint64 {
	var n uint64
	for _, gen := range g.Generations {
		n += gen.Frames
	}
	return n
}

// Params carries the staging manager's fixed configuration.
type Params struct {
	Workspace   string
	Width       uint64
	MaxFileSize int64
	Policy      frame.Policy
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the staging logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "staging")
		}
	}
}

// rangeState serializes all mutation of one slot range. A goroutine never
// holds two rangeState locks, and never takes the table lock while holding
// one.
type rangeState struct {
	r slotrange.Range

	mu               sync.Mutex
	open             *dataFile
	openGen          uint32
	lastGen          uint32
	staged           []Generation
	completionSealed bool
	committing       bool
	committed        bool
}

// Manager is the staging layer: a table of live ranges, each backed by one
// open data file plus zero or more sealed generations, all changes pushed
// through the recovery journal before they are acknowledged.
type Manager struct {
	workspace   string
	width       uint64
	maxFileSize int64
	enc         *frame.Encoder
	jrn         *journal.Journal
	logger      *slog.Logger
	onStaged    func(slotrange.Range)

	mu               sync.RWMutex
	ranges           map[uint64]*rangeState
	highestObserved  uint64
	hasObserved      bool
	committedThrough uint64
	hasCommitted     bool
	closed           bool

	framesStaged atomic.Uint64
	bytesStaged  atomic.Uint64
	sealCount    atomic.Uint64
	abandonCount atomic.Uint64
}

// New builds a Manager over an opened journal. Call Restore before the
// first Append when recovering an existing workspace.
func New(p Params, jrn *journal.Journal, opts ...Option) *Manager {
	m := &Manager{
		workspace:   p.Workspace,
		width:       p.Width,
		maxFileSize: p.MaxFileSize,
		enc:         frame.NewEncoder(p.Policy),
		jrn:         jrn,
		logger:      slog.Default().With("component", "staging"),
		ranges:      make(map[uint64]*rangeState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStaged registers the hook invoked when a range becomes fully staged.
// Must be set before the first Append.
func (m *Manager) OnStaged(fn func(slotrange.Range)) {
	m.onStaged = fn
}

// Append encodes one update and stages it durably. It returns only after
// both the frame bytes and the journal's append record are flushed.
func (m *Manager) Append(u update.SlotUpdate) error {
	frameBytes, err := m.enc.Encode(u)
	if err != nil {
		return err
	}

	r := slotrange.For(u.Slot, m.width)
	rs, err := m.rangeFor(r)
	if err != nil {
		return err
	}

	notify, err := m.appendToRange(rs, u, frameBytes)
	if err != nil {
		return err
	}
	if notify {
		m.notifyStaged(rs.r)
	}
	m.observe(u.Slot)
	return nil
}

func (m *Manager) rangeFor(r slotrange.Range) (*rangeState, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	if m.hasCommitted && r.End <= m.committedThrough {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrRangeCommitted, r)
	}
	rs := m.ranges[r.Start]
	m.mu.RUnlock()
	if rs != nil {
		return rs, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.hasCommitted && r.End <= m.committedThrough {
		return nil, fmt.Errorf("%w: %s", ErrRangeCommitted, r)
	}
	if rs := m.ranges[r.Start]; rs != nil {
		return rs, nil
	}
	rs = &rangeState{r: r}
	if m.hasObserved && m.highestObserved > r.End {
		// born behind the watermark; every write seals on the spot
		rs.completionSealed = true
	}
	m.ranges[r.Start] = rs
	return rs, nil
}

func (m *Manager) appendToRange(rs *rangeState, u update.SlotUpdate, frameBytes []byte) (notify bool, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.committed || rs.committing {
		return false, fmt.Errorf("%w: %s", ErrRangeCommitted, rs.r)
	}

	if rs.open == nil {
		if err := m.openGeneration(rs); err != nil {
			return false, err
		}
	} else if rs.open.size+int64(len(frameBytes)) > m.maxFileSize && rs.open.frames > 0 {
		// one frame may overshoot the soft limit; a frame bigger than the
		// whole limit is admitted alone rather than lost
		if err := m.sealLocked(rs); err != nil {
			return false, err
		}
		if err := m.openGeneration(rs); err != nil {
			return false, err
		}
	}

	offset, err := rs.open.appendFrame(frameBytes, u.Slot)
	if err != nil {
		m.abandonOpenLocked(rs, journal.ReasonIOFailure, err)
		return false, err
	}

	rec := journal.Record{
		Kind:       journal.RecordAppend,
		Range:      rs.r,
		Generation: rs.openGen,
		Slot:       u.Slot,
		Offset:     uint64(offset),
		Length:     uint32(len(frameBytes)),
		FrameCRC:   frame.CRC(frameBytes),
	}
	if err := m.jrn.Append(rec, rs.open); err != nil {
		return false, fmt.Errorf("journal frame append: %w", err)
	}
	m.framesStaged.Add(1)
	m.bytesStaged.Add(uint64(len(frameBytes)))

	if rs.completionSealed {
		// a straggler behind the completion watermark
		if err := m.sealLocked(rs); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// openGeneration allocates the range's next generation file. Caller holds
// rs.mu.
func (m *Manager) openGeneration(rs *rangeState) error {
	gen := rs.lastGen + 1
	dir := slotrange.StagingDir(m.workspace, rs.r, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	d, err := createDataFile(slotrange.StagingDataPath(m.workspace, rs.r, gen), rs.r, gen, time.Now())
	if err != nil {
		return err
	}
	rs.open = d
	rs.openGen = gen
	rs.lastGen = gen
	m.logger.Debug("opened staging generation",
		slog.String("range", rs.r.String()),
		slog.Uint64("generation", uint64(gen)))
	return nil
}

// sealLocked journals the open generation's final extent and digest, then
// marks it staged. The seal's pre-append data fsync makes every frame of
// the generation durable before the seal record is. Caller holds rs.mu.
func (m *Manager) sealLocked(rs *rangeState) error {
	d := rs.open
	gen := Generation{
		Number: rs.openGen,
		Size:   d.size,
		Frames: d.frames,
		Digest: d.digest.Sum64(),
	}
	rec := journal.Record{
		Kind:       journal.RecordSeal,
		Range:      rs.r,
		Generation: gen.Number,
		FinalSize:  uint64(gen.Size),
		FrameCount: gen.Frames,
		Digest:     gen.Digest,
	}
	if err := m.jrn.Append(rec, d); err != nil {
		return fmt.Errorf("journal seal: %w", err)
	}
	if err := d.close(); err != nil {
		m.logger.Warn("close sealed staging file", slog.String("path", d.path), slog.Any("error", err))
	}
	rs.open = nil
	rs.staged = append(rs.staged, gen)
	m.sealCount.Add(1)
	m.logger.Info("sealed staging generation",
		slog.String("range", rs.r.String()),
		slog.Uint64("generation", uint64(gen.Number)),
		slog.Int64("bytes", gen.Size),
		slog.Uint64("frames", gen.Frames))
	return nil
}

// abandonOpenLocked quarantines the open generation after a local write
// failure. The range stays usable; the next update opens a fresh
// generation. Caller holds rs.mu.
func (m *Manager) abandonOpenLocked(rs *rangeState, reason journal.AbandonReason, cause error) {
	if rs.open != nil {
		_ = rs.open.close()
		rs.open = nil
	}
	m.abandonGeneration(rs.r, rs.openGen, reason, cause)
}

// abandonGeneration renames a generation's directory out of the staging
// namespace and journals the quarantine.
func (m *Manager) abandonGeneration(r slotrange.Range, gen uint32, reason journal.AbandonReason, cause error) {
	dir := slotrange.StagingDir(m.workspace, r, gen)
	if err := os.Rename(dir, dir+abandonedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("quarantine staging directory", slog.String("dir", dir), slog.Any("error", err))
	}
	rec := journal.Record{
		Kind:       journal.RecordAbandon,
		Range:      r,
		Generation: gen,
		Reason:     reason,
	}
	if err := m.jrn.Append(rec, nil); err != nil {
		m.logger.Error("journal abandon", slog.String("range", r.String()), slog.Any("error", err))
	}
	m.abandonCount.Add(1)
	m.logger.Error("abandoned staging generation",
		slog.String("range", r.String()),
		slog.Uint64("generation", uint64(gen)),
		slog.String("reason", reason.String()),
		slog.Any("cause", cause))
}

// observe advances the highest-slot watermark and completion-seals every
// range the new watermark has passed.
func (m *Manager) observe(slot uint64) {
	m.mu.Lock()
	if m.hasObserved && slot <= m.highestObserved {
		m.mu.Unlock()
		return
	}
	m.highestObserved = slot
	m.hasObserved = true
	var passed []*rangeState
	for _, rs := range m.ranges {
		if rs.r.End < slot {
			passed = append(passed, rs)
		}
	}
	m.mu.Unlock()

	// ascending by end, so the commit queue hears predecessors first
	sort.Slice(passed, func(i, j int) bool { return passed[i].r.End < passed[j].r.End })
	for _, rs := range passed {
		m.completionSeal(rs)
	}
}

func (m *Manager) completionSeal(rs *rangeState) {
	rs.mu.Lock()
	first := !rs.completionSealed
	rs.completionSealed = true
	if rs.committed || rs.committing {
		rs.mu.Unlock()
		return
	}
	if rs.open != nil {
		if err := m.sealLocked(rs); err != nil {
			m.logger.Error("completion seal failed", slog.String("range", rs.r.String()), slog.Any("error", err))
			rs.mu.Unlock()
			return
		}
		first = true
	}
	notify := first && rs.open == nil && len(rs.staged) > 0
	rs.mu.Unlock()
	if notify {
		m.notifyStaged(rs.r)
	}
}

func (m *Manager) notifyStaged(r slotrange.Range) {
	if m.onStaged != nil {
		m.onStaged(r)
	}
}

// BeginCommit freezes a fully staged range for promotion and returns its
// generation list. Later appends for the range observe the committed state.
func (m *Manager) BeginCommit(r slotrange.Range) (Group, error) {
	m.mu.RLock()
	rs := m.ranges[r.Start]
	m.mu.RUnlock()
	if rs == nil {
		return Group{}, fmt.Errorf("%w: %s", ErrRangeNotStaged, r)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.committed || rs.committing {
		return Group{}, fmt.Errorf("%w: %s", ErrRangeCommitted, r)
	}
	if rs.open != nil || !rs.completionSealed || len(rs.staged) == 0 {
		return Group{}, fmt.Errorf("%w: %s", ErrRangeNotStaged, r)
	}
	rs.committing = true
	return Group{
		Range:       rs.r,
		Generations: append([]Generation(nil), rs.staged...),
	}, nil
}

// FinishCommit removes a promoted range from the live table and advances
// the committed watermark. The caller has already journaled the commit.
func (m *Manager) FinishCommit(r slotrange.Range) {
	m.mu.Lock()
	rs := m.ranges[r.Start]
	delete(m.ranges, r.Start)
	if !m.hasCommitted || r.End > m.committedThrough {
		m.committedThrough = r.End
		m.hasCommitted = true
	}
	m.mu.Unlock()

	if rs != nil {
		rs.mu.Lock()
		rs.committed = true
		rs.committing = false
		rs.mu.Unlock()
	}
}

// StagedGroups returns every fully staged group ascending by range end,
// used to rebuild the commit queue at recovery.
func (m *Manager) StagedGroups() []Group {
	m.mu.RLock()
	states := make([]*rangeState, 0, len(m.ranges))
	for _, rs := range m.ranges {
		states = append(states, rs)
	}
	m.mu.RUnlock()

	var groups []Group
	for _, rs := range states {
		rs.mu.Lock()
		if rs.completionSealed && rs.open == nil && len(rs.staged) > 0 && !rs.committed && !rs.committing {
			groups = append(groups, Group{
				Range:       rs.r,
				Generations: append([]Generation(nil), rs.staged...),
			})
		}
		rs.mu.Unlock()
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Range.End < groups[j].Range.End })
	return groups
}

// RestoreReport summarizes what recovery rebuilt.
type RestoreReport struct {
	FilesOpen   int
	FilesStaged int
	Abandoned   int
	Swept       int
}

// Restore rebuilds the allocation table from replayed journal state. Disk
// directories are never listed: every path is derived from the journal.
// Sealed generations are re-verified against their journaled digest and
// size; open generations are truncated to their journaled extent and
// re-armed. The journal must already be started: verification failures and
// completion seals append records.
func (m *Manager) Restore(st *journal.State) (RestoreReport, error) {
	var report RestoreReport

	m.mu.Lock()
	m.highestObserved, m.hasObserved = st.HighestObserved, st.HasObserved
	m.committedThrough, m.hasCommitted = st.CommittedThrough, st.HasCommitted

	for _, f := range st.SortedFiles() {
		rs := m.ranges[f.Range.Start]
		if rs == nil {
			rs = &rangeState{r: f.Range}
			m.ranges[f.Range.Start] = rs
		}
		if f.Generation > rs.lastGen {
			rs.lastGen = f.Generation
		}

		path := slotrange.StagingDataPath(m.workspace, f.Range, f.Generation)
		if f.Staged {
			if err := verifyStagedFile(path, f.Range, f.Generation, int64(f.Size), f.Digest); err != nil {
				m.abandonGeneration(f.Range, f.Generation, abandonReasonFor(err), err)
				report.Abandoned++
				continue
			}
			rs.staged = append(rs.staged, Generation{
				Number: f.Generation,
				Size:   int64(f.Size),
				Frames: f.FrameCount,
				Digest: f.Digest,
			})
			report.FilesStaged++
		} else {
			d, err := reopenDataFile(path, f.Range, f.Generation, int64(f.Size), f.FrameCount, f.HighestSlot)
			if err != nil {
				m.abandonGeneration(f.Range, f.Generation, abandonReasonFor(err), err)
				report.Abandoned++
				continue
			}
			rs.open = d
			rs.openGen = f.Generation
			report.FilesOpen++
		}
	}

	states := make([]*rangeState, 0, len(m.ranges))
	for _, rs := range m.ranges {
		states = append(states, rs)
	}
	m.mu.Unlock()

	report.Swept = m.sweepCommitted()

	// ranges the watermark passed before the crash resume completion-sealed
	for _, rs := range states {
		rs.mu.Lock()
		if m.hasObserved && rs.r.End < m.highestObserved {
			rs.completionSealed = true
			if rs.open != nil {
				if err := m.sealLocked(rs); err != nil {
					rs.mu.Unlock()
					return report, err
				}
			}
		}
		rs.mu.Unlock()
	}
	return report, nil
}

// sweepCommitted removes staging directories left behind by ranges the
// journal already recorded as committed. Quarantined directories stay for
// inspection.
func (m *Manager) sweepCommitted() int {
	m.mu.RLock()
	committed, has := m.committedThrough, m.hasCommitted
	m.mu.RUnlock()
	if !has {
		return 0
	}

	root := slotrange.StagingRoot(m.workspace)
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}

	swept := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), abandonedSuffix) {
			continue
		}
		r, _, ok := slotrange.ParseDirName(entry.Name())
		if !ok || r.End > committed {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			m.logger.Warn("failed to sweep committed staging remnant",
				slog.String("dir", entry.Name()),
				slog.Any("error", err))
			continue
		}
		m.logger.Info("swept committed staging remnant", slog.String("dir", entry.Name()))
		swept++
	}
	return swept
}

func abandonReasonFor(err error) journal.AbandonReason {
	switch {
	case errors.Is(err, errDigestMismatch):
		return journal.ReasonDigestMismatch
	case errors.Is(err, os.ErrNotExist):
		return journal.ReasonIOFailure
	case errors.Is(err, ErrBadDataHeader), errors.Is(err, errSizeMismatch), errors.Is(err, errJournaledBeyond):
		return journal.ReasonFrameCorrupt
	default:
		return journal.ReasonIOFailure
	}
}

// Close seals every open generation. The journal must still be accepting
// appends; the archiver closes it only after staging has drained.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*rangeState, 0, len(m.ranges))
	for _, rs := range m.ranges {
		states = append(states, rs)
	}
	m.mu.Unlock()

	var closeErr error
	for _, rs := range states {
		rs.mu.Lock()
		if rs.open != nil && !rs.committed && !rs.committing {
			if err := m.sealLocked(rs); err != nil {
				closeErr = errors.Join(closeErr, err)
			}
		}
		if rs.open != nil {
			closeErr = errors.Join(closeErr, rs.open.close())
			rs.open = nil
		}
		rs.mu.Unlock()
	}
	return closeErr
}

// FramesStaged returns the number of frames staged since open.
func (m *Manager) FramesStaged() uint64 {
	return m.framesStaged.Load()
}

// BytesStaged returns the frame bytes staged since open.
func (m *Manager) BytesStaged() uint64 {
	return m.bytesStaged.Load()
}

// SealCount returns the number of generations sealed since open.
func (m *Manager) SealCount() uint64 {
	return m.sealCount.Load()
}

// AbandonCount returns the number of generations quarantined since open.
func (m *Manager) AbandonCount() uint64 {
	return m.abandonCount.Load()
}

// HighestObserved returns the slot watermark that drives completion seals.
func (m *Manager) HighestObserved() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highestObserved, m.hasObserved
}
