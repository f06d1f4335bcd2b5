package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotvault/slotvault/pkg/slotrange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestJournal(t *testing.T, dir string, opts ...Option) *Journal {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	j, err := Open(dir, opts...)
	require.NoError(t, err)
	return j
}

func appendRec(slot, offset uint64) Record {
	return Record{
		Kind:       RecordAppend,
		Range:      slotrange.For(slot, 1000),
		Generation: 1,
		Slot:       slot,
		Offset:     offset,
		Length:     100,
	}
}

type countingSyncer struct {
	calls atomic.Int64
}

func (c *countingSyncer) Sync() error {
	c.calls.Add(1)
	return nil
}

// blockingSyncer parks the writer goroutine inside a batch until released.
type blockingSyncer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSyncer() *blockingSyncer {
	return &blockingSyncer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSyncer) Sync() error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func TestJournal_OpenEmptyCreatesFirstSegment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j := openTestJournal(t, dir)
	defer j.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "000000001.log", entries[0].Name())

	st := j.State()
	assert.Empty(t, st.Files)
	assert.Equal(t, uint64(0), st.LastSeq)
}

func TestJournal_AppendBeforeStart(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()

	err := j.Append(appendRec(10, 64), nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestJournal_AppendCloseReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j := openTestJournal(t, dir)
	j.Start()
	require.NoError(t, j.Append(appendRec(10, 64), nil))
	require.NoError(t, j.Append(appendRec(11, 164), nil))
	require.NoError(t, j.Append(Record{Kind: RecordRooted, Slot: 1499}, nil))
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, dir)
	defer j2.Close()

	st := j2.State()
	assert.Equal(t, uint64(3), st.LastSeq)
	assert.True(t, st.HasConfirmed)
	assert.Equal(t, uint64(1499), st.HighestConfirmed)
	f := st.Files[FileKey{Start: 0, Generation: 1}]
	require.NotNil(t, f)
	assert.Equal(t, uint64(264), f.Size)
	assert.Equal(t, uint64(2), f.FrameCount)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal"))
	j.Start()
	require.NoError(t, j.Close())

	err := j.Append(appendRec(10, 64), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJournal_DataSyncedBeforeAppendReturns(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()
	j.Start()

	syncer := &countingSyncer{}
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, j.Append(appendRec(10+i, 64+i*100), syncer))
		assert.GreaterOrEqual(t, syncer.calls.Load(), int64(i+1),
			"data file must be fsynced before the append is acknowledged")
	}
}

func TestJournal_BatchDedupesDataSyncs(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal"))
	defer j.Close()
	j.Start()

	// park the writer so the next appends pile up into one batch
	blocker := newBlockingSyncer()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, j.Append(appendRec(1, 64), blocker))
	}()
	<-blocker.entered

	shared := &countingSyncer{}
	for i := uint64(0); i < 4; i++ {
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			assert.NoError(t, j.Append(appendRec(10+i, 164+i*100), shared))
		}(i)
	}
	require.Eventually(t, func() bool { return j.QueueDepth() == 4 }, time.Second, time.Millisecond)

	close(blocker.release)
	wg.Wait()

	assert.Equal(t, int64(1), shared.calls.Load(), "one fsync covers every record of the batch")
}

func TestJournal_RotationCheckpointsAndPrunes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j := openTestJournal(t, dir, WithSegmentSize(1024))
	j.Start()
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, j.Append(appendRec(10, 64+i*100), nil))
	}
	assert.Greater(t, j.SegmentRotatedCount(), uint64(0))
	assert.Greater(t, j.CheckpointCount(), uint64(0))
	require.NoError(t, j.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segs []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), journalExt) {
			segs = append(segs, e.Name())
		}
	}
	assert.LessOrEqual(t, len(segs), 2, "rotated-away segments are pruned, got %v", segs)
	assert.NotContains(t, segs, "000000001.log")

	j2 := openTestJournal(t, dir, WithSegmentSize(1024))
	defer j2.Close()

	st := j2.State()
	f := st.Files[FileKey{Start: 0, Generation: 1}]
	require.NotNil(t, f, "checkpoint plus tail records rebuild the full state")
	assert.Equal(t, uint64(64+49*100+100), f.Size)
	assert.Equal(t, uint64(50), f.FrameCount)
}

func TestJournal_TornTailOverwrittenOnReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j := openTestJournal(t, dir)
	j.Start()
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, j.Append(appendRec(10+i, 64+i*100), nil))
	}
	require.NoError(t, j.Close())

	// zero the third record's trailer marker to fake a torn write
	entrySize := alignUp(recordHeaderSize + appendRecordSize + recordTrailerMarkerSize)
	thirdOffset := int64(segmentHeaderSize) + 2*entrySize
	path := filepath.Join(dir, "000000001.log")
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = file.WriteAt(make([]byte, recordTrailerMarkerSize), thirdOffset+recordHeaderSize+appendRecordSize)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	j2 := openTestJournal(t, dir)
	st := j2.State()
	assert.Equal(t, uint64(2), st.LastSeq, "torn record is dropped")
	f := st.Files[FileKey{Start: 0, Generation: 1}]
	require.NotNil(t, f)
	assert.Equal(t, uint64(2), f.FrameCount)

	// the journal stays writable and the torn tail is overwritten
	j2.Start()
	require.NoError(t, j2.Append(appendRec(99, 964), nil))
	require.NoError(t, j2.Close())

	j3 := openTestJournal(t, dir)
	defer j3.Close()
	st = j3.State()
	assert.Equal(t, uint64(3), st.LastSeq)
	assert.Equal(t, uint64(99), st.Files[FileKey{Start: 0, Generation: 1}].HighestSlot)
}

func TestJournal_StallTimeoutIsFatal(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal"),
		WithQueueDepth(1),
		WithStallTimeout(50*time.Millisecond))
	j.Start()

	// op1 occupies the writer, op2 fills the queue, op3 must stall
	blocker := newBlockingSyncer()
	op1Err := make(chan error, 1)
	go func() { op1Err <- j.Append(appendRec(1, 64), blocker) }()
	<-blocker.entered

	op2Err := make(chan error, 1)
	go func() { op2Err <- j.Append(appendRec(2, 164), nil) }()
	require.Eventually(t, func() bool { return j.QueueDepth() == 1 }, time.Second, time.Millisecond)

	err := j.Append(appendRec(3, 264), nil)
	require.ErrorIs(t, err, ErrWriteStall)
	assert.ErrorIs(t, j.Err(), ErrWriteStall)

	// whatever was already accepted still resolves once the writer resumes
	close(blocker.release)
	assert.NoError(t, <-op1Err, "the in-flight batch predates the failure")
	assert.ErrorIs(t, <-op2Err, ErrWriteStall, "queued work is rejected once the journal is failed")

	err = j.Append(appendRec(4, 364), nil)
	assert.ErrorIs(t, err, ErrWriteStall, "the failure is sticky")

	require.Error(t, j.Err())
	_ = j.Close()
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j := openTestJournal(t, dir)
	j.Start()

	const producers = 4
	const perProducer = 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				slot := uint64(p*1000 + i)
				rec := Record{
					Kind:       RecordAppend,
					Range:      slotrange.For(slot, 1000),
					Generation: 1,
					Slot:       slot,
					Offset:     64,
					Length:     10,
				}
				assert.NoError(t, j.Append(rec, nil))
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, uint64(producers*perProducer), j.RecordsWrittenCount())
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, dir)
	defer j2.Close()

	var replayed int
	var prevSeq uint64
	require.NoError(t, j2.Replay(func(rec Record) error {
		if prevSeq != 0 {
			assert.Equal(t, prevSeq+1, rec.Seq, "sequence numbers are dense")
		}
		prevSeq = rec.Seq
		if rec.Kind == RecordAppend {
			replayed++
		}
		return nil
	}))
	assert.Equal(t, producers*perProducer, replayed)

	var frames uint64
	for _, f := range j2.State().Files {
		frames += f.FrameCount
	}
	assert.Equal(t, uint64(producers*perProducer), frames)
}
