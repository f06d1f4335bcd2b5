package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	ErrWriteStall = errors.New("journal write queue stalled past the configured timeout")
	ErrNotStarted = errors.New("journal writer is not running")
)

const (
	journalExt = ".log"

	defaultQueueDepth      = 1024
	defaultStallTimeout    = 10 * time.Second
	defaultCheckpointEvery = 8192
	defaultMaxBatch        = 256

	flushRetryInitial  = 5 * time.Millisecond
	flushRetryCap      = 500 * time.Millisecond
	flushRetryAttempts = 5
)

// FileSyncer is the durability hook a journal op carries. The writer fsyncs
// each distinct syncer in a batch before the batch's records are persisted,
// so a journal record never describes bytes a crash can revoke.
type FileSyncer interface {
	Sync() error
}

// DirectorySyncer flushes directory metadata after destructive operations.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to the DirectorySyncer interface.
type DirectorySyncFunc func(dir string) error

func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}

// Option configures a Journal.
type Option func(*Journal)

// WithSegmentSize sets the preallocated size of each journal segment.
func WithSegmentSize(size int64) Option {
	return func(j *Journal) {
		if size > 0 {
			j.segmentSize = size
		}
	}
}

// WithQueueDepth bounds the writer queue.
func WithQueueDepth(depth int) Option {
	return func(j *Journal) {
		if depth > 0 {
			j.queueDepth = depth
		}
	}
}

// WithStallTimeout bounds how long Append blocks on a full queue before the
// journal fails fatally.
func WithStallTimeout(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.stallTimeout = d
		}
	}
}

// WithCheckpointEvery forces a checkpoint after the given record count in
// addition to the checkpoint at every segment rotation.
func WithCheckpointEvery(n uint64) Option {
	return func(j *Journal) {
		if n > 0 {
			j.checkpointEvery = n
		}
	}
}

// WithLogger sets the journal logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger.With("component", "journal")
		}
	}
}

// WithDirectorySyncer overrides directory fsync behavior, used by tests to
// observe or suppress directory flushes.
func WithDirectorySyncer(syncer DirectorySyncer) Option {
	return func(j *Journal) {
		if syncer != nil {
			j.dirSyncer = syncer
		}
	}
}

type pendingOp struct {
	rec  Record
	data FileSyncer
	done chan error
}

// Journal is the pipeline's recovery journal: a segmented, memory-mapped,
// append-only log with one ordered writer goroutine. All mutating components
// submit records through Append and block until the record (and the data
// bytes it describes) are durable.
type Journal struct {
	dir             string
	segmentSize     int64
	queueDepth      int
	stallTimeout    time.Duration
	checkpointEvery uint64
	maxBatch        int
	logger          *slog.Logger
	dirSyncer       DirectorySyncer

	// segment set and shadow state are owned by the open/replay path first
	// and the writer goroutine after Start.
	segments []*segment
	current  *segment
	state    *State
	nextSeq  uint64
	sinceCkp uint64

	queue     chan *pendingOp
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	producers sync.WaitGroup

	failMu  sync.Mutex
	failErr error
	failed  atomic.Bool

	recordsWritten  atomic.Uint64
	flushCount      atomic.Uint64
	rotationCount   atomic.Uint64
	checkpointCount atomic.Uint64
	closeErr        error
}

// Open opens or creates the journal in dir, scans segments for torn tails
// and replays every surviving record into the journal's state. Start must be
// called before Append.
func Open(dir string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{
		dir:             dir,
		segmentSize:     defaultSegmentSize,
		queueDepth:      defaultQueueDepth,
		stallTimeout:    defaultStallTimeout,
		checkpointEvery: defaultCheckpointEvery,
		maxBatch:        defaultMaxBatch,
		logger:          slog.Default().With("component", "journal"),
		dirSyncer:       DirectorySyncFunc(syncDir),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.queue = make(chan *pendingOp, j.queueDepth)
	j.stopCh = make(chan struct{})

	if err := j.recoverSegments(); err != nil {
		return nil, fmt.Errorf("journal segment recovery failed: %w", err)
	}

	j.state = NewState()
	if err := j.Replay(func(rec Record) error {
		j.state.Apply(rec)
		return nil
	}); err != nil {
		return nil, err
	}
	j.nextSeq = j.state.LastSeq + 1

	return j, nil
}

func (j *Journal) recoverSegments() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("read journal directory: %w", err)
	}

	var ids []uint32
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), journalExt) {
			continue
		}
		// e.g. "000000001.log" -> 1
		base := strings.TrimSuffix(entry.Name(), journalExt)
		id, err := strconv.ParseUint(base, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	if len(ids) == 0 {
		seg, err := openSegment(j.dir, journalExt, 1, j.segmentSize, j.logger)
		if err != nil {
			return fmt.Errorf("create initial segment: %w", err)
		}
		if err := j.dirSyncer.SyncDir(j.dir); err != nil {
			_ = seg.close()
			return fmt.Errorf("fsync journal directory: %w", err)
		}
		j.segments = []*segment{seg}
		j.current = seg
		return nil
	}

	for i, id := range ids {
		seg, err := openSegment(j.dir, journalExt, id, j.segmentSize, j.logger)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", id, err)
		}
		// only the newest segment stays writable
		if i < len(ids)-1 && !seg.sealed {
			if err := seg.seal(); err != nil {
				return fmt.Errorf("seal segment %d: %w", id, err)
			}
		}
		j.segments = append(j.segments, seg)
		j.current = seg
	}
	return nil
}

// Replay iterates every valid record across all segments in order, stopping
// a segment's scan at its first invalid entry. Safe only before Start.
func (j *Journal) Replay(fn func(Record) error) error {
	var fnErr error
	var prevSeq uint64

	for _, seg := range j.segments {
		active := seg == j.current && !seg.sealed
		end := seg.scanRecords(func(offset int64, payload []byte) bool {
			rec, err := decodeRecord(payload)
			if err != nil {
				j.logger.Warn("replay stopped at undecodable record",
					slog.String("segment", seg.path),
					slog.Int64("offset", offset),
					slog.Any("error", err))
				return false
			}
			if prevSeq != 0 && rec.Seq != prevSeq+1 {
				j.logger.Warn("journal sequence gap",
					slog.Uint64("expected", prevSeq+1),
					slog.Uint64("got", rec.Seq),
					slog.String("segment", seg.path))
			}
			prevSeq = rec.Seq
			if err := fn(rec); err != nil {
				fnErr = err
				return false
			}
			return true
		})
		if fnErr != nil {
			return fnErr
		}
		// pull the active segment's write offset back to the verified
		// boundary so the next write overwrites any undecodable tail
		if active && end < seg.writeOffset {
			j.logger.Warn("truncating torn journal tail",
				slog.String("segment", seg.path),
				slog.Int64("verified_end", end),
				slog.Int64("previous_end", seg.writeOffset))
			seg.writeOffset = end
		}
	}
	return nil
}

// State returns a copy of the replayed state. Call after Open, before Start.
func (j *Journal) State() *State {
	return j.state.Clone()
}

// Start launches the writer goroutine.
func (j *Journal) Start() {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	j.wg.Add(1)
	go j.run()
}

// Err returns the journal's sticky fatal error, if any.
func (j *Journal) Err() error {
	if !j.failed.Load() {
		return nil
	}
	j.failMu.Lock()
	defer j.failMu.Unlock()
	return j.failErr
}

func (j *Journal) fail(err error) {
	j.failMu.Lock()
	if j.failErr == nil {
		j.failErr = err
		j.failed.Store(true)
	}
	j.failMu.Unlock()
	j.logger.Error("journal entered failed state", slog.Any("error", err))
}

// Append submits one record and blocks until it is durably flushed, together
// with the data bytes it describes. A full queue blocks up to the stall
// timeout; exceeding it is fatal for the whole journal.
func (j *Journal) Append(rec Record, data FileSyncer) error {
	if err := j.Err(); err != nil {
		return err
	}
	if !j.started.Load() {
		return ErrNotStarted
	}
	if j.closing.Load() {
		return ErrClosed
	}
	j.producers.Add(1)
	defer j.producers.Done()
	if j.closing.Load() {
		return ErrClosed
	}

	op := &pendingOp{rec: rec, data: data, done: make(chan error, 1)}

	timer := time.NewTimer(j.stallTimeout)
	defer timer.Stop()
	select {
	case j.queue <- op:
	case <-timer.C:
		err := fmt.Errorf("%w: %s", ErrWriteStall, j.stallTimeout)
		j.fail(err)
		return err
	}
	return <-op.done
}

// Close stops intake, waits for in-flight appends to drain, then seals and
// closes every segment. Safe to call more than once.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.closing.Store(true)
		j.producers.Wait()
		if j.started.Load() {
			close(j.stopCh)
			j.wg.Wait()
		}

		var cErr error
		for _, seg := range j.segments {
			if err := seg.close(); err != nil {
				cErr = errors.Join(cErr, err)
			}
		}
		if err := j.dirSyncer.SyncDir(j.dir); err != nil {
			cErr = errors.Join(cErr, fmt.Errorf("fsync journal directory: %w", err))
		}
		j.closeErr = cErr
	})
	return j.closeErr
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		var first *pendingOp
		select {
		case first = <-j.queue:
		case <-j.stopCh:
			// intake is stopped; drain whatever remains
			for {
				select {
				case op := <-j.queue:
					j.processBatch(j.collectBatch(op))
				default:
					return
				}
			}
		}
		j.processBatch(j.collectBatch(first))
	}
}

func (j *Journal) collectBatch(first *pendingOp) []*pendingOp {
	batch := []*pendingOp{first}
	for len(batch) < j.maxBatch {
		select {
		case op := <-j.queue:
			batch = append(batch, op)
		default:
			return batch
		}
	}
	return batch
}

// processBatch drives one group commit: data fsyncs first, then record
// appends, then one journal flush, then completion of every op.
func (j *Journal) processBatch(batch []*pendingOp) {
	if err := j.Err(); err != nil {
		completeAll(batch, err)
		return
	}

	if err := j.syncDataFiles(batch); err != nil {
		j.fail(err)
		completeAll(batch, err)
		return
	}

	for _, op := range batch {
		if err := j.writeRecord(&op.rec); err != nil {
			err = fmt.Errorf("journal append: %w", err)
			j.fail(err)
			completeAll(batch, err)
			return
		}
	}

	if err := j.flush(); err != nil {
		err = fmt.Errorf("journal flush: %w", err)
		j.fail(err)
		completeAll(batch, err)
		return
	}

	completeAll(batch, nil)
}

func completeAll(batch []*pendingOp, err error) {
	for _, op := range batch {
		op.done <- err
	}
}

func (j *Journal) syncDataFiles(batch []*pendingOp) error {
	var seen map[FileSyncer]struct{}
	for _, op := range batch {
		if op.data == nil {
			continue
		}
		if seen == nil {
			seen = make(map[FileSyncer]struct{}, 4)
		}
		if _, ok := seen[op.data]; ok {
			continue
		}
		seen[op.data] = struct{}{}
		if err := j.withRetry(op.data.Sync); err != nil {
			return fmt.Errorf("data fsync before journal append: %w", err)
		}
	}
	return nil
}

// writeRecord assigns the next sequence number, appends the encoded record
// to the active segment (rotating when full) and folds it into the shadow
// state that checkpoints are cut from.
func (j *Journal) writeRecord(rec *Record) error {
	rec.Seq = j.nextSeq
	payload, err := encodeRecord(*rec)
	if err != nil {
		return err
	}

	if j.current.willExceed(len(payload)) {
		if err := j.rotate(); err != nil {
			return err
		}
		// the rotation checkpoint consumed sequence numbers; re-stamp
		rec.Seq = j.nextSeq
		if payload, err = encodeRecord(*rec); err != nil {
			return err
		}
	}
	if err := j.current.write(payload, rec.Seq); err != nil {
		return err
	}
	j.nextSeq++
	j.recordsWritten.Add(1)

	if rec.Kind != RecordCheckpoint {
		j.state.Apply(*rec)
		j.sinceCkp++
		if j.sinceCkp >= j.checkpointEvery {
			j.writeCheckpoint()
		}
	}
	return nil
}

// rotate seals the active segment, opens the next one, checkpoints the full
// state as its first record and prunes the now-subsumed older segments.
func (j *Journal) rotate() error {
	if err := j.current.seal(); err != nil {
		return fmt.Errorf("seal active segment: %w", err)
	}

	nextID := j.current.id + 1
	seg, err := openSegment(j.dir, journalExt, nextID, j.segmentSize, j.logger)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", nextID, err)
	}
	if err := j.dirSyncer.SyncDir(j.dir); err != nil {
		_ = seg.close()
		return fmt.Errorf("fsync journal directory: %w", err)
	}
	j.segments = append(j.segments, seg)
	j.current = seg
	j.rotationCount.Add(1)

	j.writeCheckpoint()

	// the checkpoint must be durable before its history is deleted
	if err := j.withRetry(j.current.sync); err != nil {
		return fmt.Errorf("flush checkpoint segment: %w", err)
	}
	j.pruneBefore(nextID)

	j.logger.Info("journal segment rotated",
		slog.Uint64("segment_id", uint64(nextID)),
		slog.Int("live_segments", len(j.segments)))
	return nil
}

func (j *Journal) writeCheckpoint() {
	rec := Record{Kind: RecordCheckpoint, Seq: j.nextSeq, Snapshot: j.state}
	payload, err := encodeRecord(rec)
	if err != nil {
		j.logger.Error("encode checkpoint", slog.Any("error", err))
		return
	}
	if j.current.willExceed(len(payload)) {
		// the rotation path will cut one at the next segment head
		return
	}
	if err := j.current.write(payload, rec.Seq); err != nil {
		j.logger.Error("write checkpoint", slog.Any("error", err))
		return
	}
	j.nextSeq++
	j.sinceCkp = 0
	j.recordsWritten.Add(1)
	j.checkpointCount.Add(1)
}

// pruneBefore removes segments older than keepID. Their state is subsumed by
// the checkpoint at keepID's head.
func (j *Journal) pruneBefore(keepID uint32) {
	kept := j.segments[:0]
	var removed int
	for _, seg := range j.segments {
		if seg.id >= keepID {
			kept = append(kept, seg)
			continue
		}
		if err := seg.remove(); err != nil {
			j.logger.Warn("prune journal segment", slog.Uint64("segment_id", uint64(seg.id)), slog.Any("error", err))
			kept = append(kept, seg)
			continue
		}
		removed++
	}
	j.segments = kept
	if removed > 0 {
		if err := j.dirSyncer.SyncDir(j.dir); err != nil {
			j.logger.Warn("fsync journal directory after prune", slog.Any("error", err))
		}
	}
}

func (j *Journal) flush() error {
	if err := j.withRetry(j.current.sync); err != nil {
		return err
	}
	j.flushCount.Add(1)
	return nil
}

// withRetry runs fn under the journal's bounded exponential backoff policy.
func (j *Journal) withRetry(fn func() error) error {
	backoff := retry.NewExponential(flushRetryInitial)
	backoff = retry.WithCappedDuration(flushRetryCap, backoff)
	backoff = retry.WithMaxRetries(flushRetryAttempts, backoff)
	return retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// RecordsWrittenCount returns the number of records appended since open.
func (j *Journal) RecordsWrittenCount() uint64 {
	return j.recordsWritten.Load()
}

// FlushCount returns the number of group-commit flushes.
func (j *Journal) FlushCount() uint64 {
	return j.flushCount.Load()
}

// SegmentRotatedCount returns the number of segment rotations.
func (j *Journal) SegmentRotatedCount() uint64 {
	return j.rotationCount.Load()
}

// CheckpointCount returns the number of checkpoints written.
func (j *Journal) CheckpointCount() uint64 {
	return j.checkpointCount.Load()
}

// QueueDepth returns the number of ops waiting for the writer.
func (j *Journal) QueueDepth() int {
	return len(j.queue)
}
