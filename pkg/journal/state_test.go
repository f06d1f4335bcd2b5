package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotvault/slotvault/pkg/slotrange"
)

var testRange = slotrange.Range{Start: 0, End: 999}

func TestRecordCodec_AllKinds(t *testing.T) {
	records := []Record{
		{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 42, Offset: 64, Length: 128, FrameCRC: 0xDEADBEEF},
		{Kind: RecordSeal, Seq: 2, Range: testRange, Generation: 1, FinalSize: 4096, FrameCount: 17, Digest: 0x1122334455667788},
		{Kind: RecordCommit, Seq: 3, Range: testRange},
		{Kind: RecordAbandon, Seq: 4, Range: testRange, Generation: 2, Reason: ReasonDigestMismatch},
		{Kind: RecordRooted, Seq: 5, Slot: 1499},
		{Kind: RecordAligned, Seq: 6, Slot: 2000},
	}

	for _, rec := range records {
		buf, err := encodeRecord(rec)
		require.NoError(t, err, "kind %s", rec.Kind)
		got, err := decodeRecord(buf)
		require.NoError(t, err, "kind %s", rec.Kind)
		assert.Equal(t, rec, got, "kind %s", rec.Kind)
	}
}

func TestRecordCodec_Checkpoint(t *testing.T) {
	snap := NewState()
	snap.HighestConfirmed = 1499
	snap.HasConfirmed = true
	snap.HighestObserved = 1600
	snap.HasObserved = true
	snap.FirstAligned = 1000
	snap.HasFirstAligned = true
	snap.CommittedThrough = 999
	snap.HasCommitted = true
	snap.Files[FileKey{Start: 1000, Generation: 1}] = &FileState{
		Range:       slotrange.Range{Start: 1000, End: 1999},
		Generation:  1,
		Size:        8192,
		FrameCount:  12,
		HighestSlot: 1600,
	}
	snap.Files[FileKey{Start: 2000, Generation: 2}] = &FileState{
		Range:       slotrange.Range{Start: 2000, End: 2999},
		Generation:  2,
		Staged:      true,
		Size:        65536,
		FrameCount:  80,
		HighestSlot: 2999,
		Digest:      0xCAFEF00D,
	}

	buf, err := encodeRecord(Record{Kind: RecordCheckpoint, Seq: 9, Snapshot: snap})
	require.NoError(t, err)

	got, err := decodeRecord(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, uint64(9), got.Seq)
	assert.Equal(t, snap.HighestConfirmed, got.Snapshot.HighestConfirmed)
	assert.Equal(t, snap.CommittedThrough, got.Snapshot.CommittedThrough)
	assert.True(t, got.Snapshot.HasFirstAligned)
	require.Len(t, got.Snapshot.Files, 2)
	assert.Equal(t, snap.Files[FileKey{Start: 2000, Generation: 2}], got.Snapshot.Files[FileKey{Start: 2000, Generation: 2}])
}

func TestRecordCodec_Rejects(t *testing.T) {
	_, err := decodeRecord(nil)
	assert.ErrorIs(t, err, ErrShortRecord)

	_, err = decodeRecord([]byte{99, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownRecordKind)

	buf, err := encodeRecord(Record{Kind: RecordAppend, Seq: 1, Range: testRange})
	require.NoError(t, err)
	_, err = decodeRecord(buf[:20])
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestState_AppendAccumulates(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 10, Offset: 64, Length: 100})
	s.Apply(Record{Kind: RecordAppend, Seq: 2, Range: testRange, Generation: 1, Slot: 11, Offset: 164, Length: 50})

	f := s.Files[FileKey{Start: 0, Generation: 1}]
	require.NotNil(t, f)
	assert.Equal(t, uint64(214), f.Size)
	assert.Equal(t, uint64(2), f.FrameCount)
	assert.Equal(t, uint64(11), f.HighestSlot)
	assert.False(t, f.Staged)
	assert.Equal(t, uint64(11), s.HighestObserved)
	assert.Equal(t, uint64(2), s.LastSeq)
}

func TestState_SealFixesFile(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 10, Offset: 64, Length: 100})
	s.Apply(Record{Kind: RecordSeal, Seq: 2, Range: testRange, Generation: 1, FinalSize: 164, FrameCount: 1, Digest: 777})

	f := s.Files[FileKey{Start: 0, Generation: 1}]
	require.NotNil(t, f)
	assert.True(t, f.Staged)
	assert.Equal(t, uint64(164), f.Size)
	assert.Equal(t, uint64(777), f.Digest)
}

func TestState_CommitRemovesAllGenerations(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordSeal, Seq: 1, Range: testRange, Generation: 1, FinalSize: 100, FrameCount: 1})
	s.Apply(Record{Kind: RecordSeal, Seq: 2, Range: testRange, Generation: 2, FinalSize: 60, FrameCount: 1})
	other := slotrange.Range{Start: 1000, End: 1999}
	s.Apply(Record{Kind: RecordAppend, Seq: 3, Range: other, Generation: 1, Slot: 1000, Offset: 64, Length: 10})

	s.Apply(Record{Kind: RecordCommit, Seq: 4, Range: testRange})

	assert.Nil(t, s.Files[FileKey{Start: 0, Generation: 1}])
	assert.Nil(t, s.Files[FileKey{Start: 0, Generation: 2}])
	require.NotNil(t, s.Files[FileKey{Start: 1000, Generation: 1}], "other ranges stay live")
	assert.True(t, s.HasCommitted)
	assert.Equal(t, uint64(999), s.CommittedThrough)
}

func TestState_RootedAdvancesMonotonically(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordRooted, Seq: 1, Slot: 1499})
	s.Apply(Record{Kind: RecordRooted, Seq: 2, Slot: 1400})

	assert.True(t, s.HasConfirmed)
	assert.Equal(t, uint64(1499), s.HighestConfirmed)
	assert.Equal(t, uint64(1499), s.HighestObserved)
}

func TestState_AlignedPinsFirstBoundary(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAligned, Seq: 1, Slot: 2000})
	s.Apply(Record{Kind: RecordAligned, Seq: 2, Slot: 5000})

	assert.True(t, s.HasFirstAligned)
	assert.Equal(t, uint64(2000), s.FirstAligned, "first boundary wins")
	assert.False(t, s.HasObserved, "the boundary is not an observed slot")
}

func TestState_AbandonRemovesGeneration(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 5, Offset: 64, Length: 10})
	s.Apply(Record{Kind: RecordAbandon, Seq: 2, Range: testRange, Generation: 1, Reason: ReasonFrameCorrupt})
	assert.Empty(t, s.Files)
}

func TestState_CheckpointResets(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 5, Offset: 64, Length: 10})

	snap := NewState()
	snap.HighestConfirmed = 2000
	snap.HasConfirmed = true
	snap.Files[FileKey{Start: 3000, Generation: 1}] = &FileState{
		Range: slotrange.Range{Start: 3000, End: 3999}, Generation: 1, Size: 42,
	}

	s.Apply(Record{Kind: RecordCheckpoint, Seq: 7, Snapshot: snap})

	assert.Nil(t, s.Files[FileKey{Start: 0, Generation: 1}], "checkpoint replaces prior state")
	require.NotNil(t, s.Files[FileKey{Start: 3000, Generation: 1}])
	assert.Equal(t, uint64(2000), s.HighestConfirmed)
	assert.Equal(t, uint64(7), s.LastSeq, "sequence tracking survives the reset")
}

func TestState_CloneIsDeep(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: testRange, Generation: 1, Slot: 5, Offset: 64, Length: 10})

	c := s.Clone()
	c.Files[FileKey{Start: 0, Generation: 1}].Size = 9999

	assert.Equal(t, uint64(74), s.Files[FileKey{Start: 0, Generation: 1}].Size)
}

func TestSortedFiles_Deterministic(t *testing.T) {
	s := NewState()
	s.Apply(Record{Kind: RecordAppend, Seq: 1, Range: slotrange.Range{Start: 2000, End: 2999}, Generation: 1, Slot: 2000, Offset: 64, Length: 1})
	s.Apply(Record{Kind: RecordAppend, Seq: 2, Range: testRange, Generation: 2, Slot: 1, Offset: 64, Length: 1})
	s.Apply(Record{Kind: RecordAppend, Seq: 3, Range: testRange, Generation: 1, Slot: 1, Offset: 64, Length: 1})

	files := s.SortedFiles()
	require.Len(t, files, 3)
	assert.Equal(t, uint64(0), files[0].Range.Start)
	assert.Equal(t, uint32(1), files[0].Generation)
	assert.Equal(t, uint32(2), files[1].Generation)
	assert.Equal(t, uint64(2000), files[2].Range.Start)
}
