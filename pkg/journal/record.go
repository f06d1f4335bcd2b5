package journal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/slotvault/slotvault/pkg/slotrange"
)

var (
	ErrUnknownRecordKind = errors.New("unknown journal record kind")
	ErrShortRecord       = errors.New("journal record payload too short")
)

// RecordKind discriminates the journal record variants.
type RecordKind uint8

const (
	// RecordAppend describes one frame written to a staged file.
	RecordAppend RecordKind = 1
	// RecordSeal fixes a generation's final size, frame count and digest.
	RecordSeal RecordKind = 2
	// RecordCommit removes a promoted range group from the live set.
	RecordCommit RecordKind = 3
	// RecordAbandon quarantines one generation after corruption or IO failure.
	RecordAbandon RecordKind = 4
	// RecordRooted advances the finality watermark.
	RecordRooted RecordKind = 5
	// RecordCheckpoint snapshots the whole live state.
	RecordCheckpoint RecordKind = 6
	// RecordAligned pins the first range-aligned slot the pipeline
	// accepts. Written once, on the first observed slot.
	RecordAligned RecordKind = 7
)

func (k RecordKind) String() string {
	switch k {
	case RecordAppend:
		return "append"
	case RecordSeal:
		return "seal"
	case RecordCommit:
		return "commit"
	case RecordAbandon:
		return "abandon"
	case RecordRooted:
		return "rooted"
	case RecordCheckpoint:
		return "checkpoint"
	case RecordAligned:
		return "aligned"
	default:
		return fmt.Sprintf("record(%d)", uint8(k))
	}
}

// AbandonReason explains why a generation was quarantined.
type AbandonReason uint8

const (
	ReasonDigestMismatch AbandonReason = 1
	ReasonFrameCorrupt   AbandonReason = 2
	ReasonIOFailure      AbandonReason = 3
)

func (r AbandonReason) String() string {
	switch r {
	case ReasonDigestMismatch:
		return "digest_mismatch"
	case ReasonFrameCorrupt:
		return "frame_corrupt"
	case ReasonIOFailure:
		return "io_failure"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Record is one journal entry. Kind selects which fields are meaningful;
// Seq is assigned by the journal writer and is strictly increasing.
type Record struct {
	Seq  uint64
	Kind RecordKind

	// append, seal, commit, abandon
	Range      slotrange.Range
	Generation uint32

	// append
	Slot     uint64
	Offset   uint64
	Length   uint32
	FrameCRC uint32

	// seal
	FinalSize  uint64
	FrameCount uint64
	Digest     uint64

	// abandon
	Reason AbandonReason

	// checkpoint
	Snapshot *State
}

const (
	recordPrefixSize  = 9 // kind + seq
	appendRecordSize  = recordPrefixSize + 8 + 8 + 4 + 8 + 8 + 4 + 4
	sealRecordSize    = recordPrefixSize + 8 + 8 + 4 + 8 + 8 + 8
	commitRecordSize  = recordPrefixSize + 8 + 8
	abandonRecordSize = recordPrefixSize + 8 + 8 + 4 + 1
	rootedRecordSize  = recordPrefixSize + 8
	alignedRecordSize = recordPrefixSize + 8
)

// encodeRecord renders a record into its little-endian journal payload.
func encodeRecord(rec Record) ([]byte, error) {
	switch rec.Kind {
	case RecordAppend:
		buf := make([]byte, appendRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Range.Start)
		binary.LittleEndian.PutUint64(buf[17:25], rec.Range.End)
		binary.LittleEndian.PutUint32(buf[25:29], rec.Generation)
		binary.LittleEndian.PutUint64(buf[29:37], rec.Slot)
		binary.LittleEndian.PutUint64(buf[37:45], rec.Offset)
		binary.LittleEndian.PutUint32(buf[45:49], rec.Length)
		binary.LittleEndian.PutUint32(buf[49:53], rec.FrameCRC)
		return buf, nil
	case RecordSeal:
		buf := make([]byte, sealRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Range.Start)
		binary.LittleEndian.PutUint64(buf[17:25], rec.Range.End)
		binary.LittleEndian.PutUint32(buf[25:29], rec.Generation)
		binary.LittleEndian.PutUint64(buf[29:37], rec.FinalSize)
		binary.LittleEndian.PutUint64(buf[37:45], rec.FrameCount)
		binary.LittleEndian.PutUint64(buf[45:53], rec.Digest)
		return buf, nil
	case RecordCommit:
		buf := make([]byte, commitRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Range.Start)
		binary.LittleEndian.PutUint64(buf[17:25], rec.Range.End)
		return buf, nil
	case RecordAbandon:
		buf := make([]byte, abandonRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Range.Start)
		binary.LittleEndian.PutUint64(buf[17:25], rec.Range.End)
		binary.LittleEndian.PutUint32(buf[25:29], rec.Generation)
		buf[29] = byte(rec.Reason)
		return buf, nil
	case RecordRooted:
		buf := make([]byte, rootedRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Slot)
		return buf, nil
	case RecordAligned:
		buf := make([]byte, alignedRecordSize)
		putPrefix(buf, rec)
		binary.LittleEndian.PutUint64(buf[9:17], rec.Slot)
		return buf, nil
	case RecordCheckpoint:
		snap := encodeSnapshot(rec.Snapshot)
		buf := make([]byte, recordPrefixSize+len(snap))
		putPrefix(buf, rec)
		copy(buf[recordPrefixSize:], snap)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecordKind, rec.Kind)
	}
}

func putPrefix(buf []byte, rec Record) {
	buf[0] = byte(rec.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], rec.Seq)
}

// decodeRecord parses a journal payload back into a Record.
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < recordPrefixSize {
		return Record{}, ErrShortRecord
	}
	rec := Record{
		Kind: RecordKind(buf[0]),
		Seq:  binary.LittleEndian.Uint64(buf[1:9]),
	}
	switch rec.Kind {
	case RecordAppend:
		if len(buf) < appendRecordSize {
			return Record{}, fmt.Errorf("%w: append needs %d bytes, got %d", ErrShortRecord, appendRecordSize, len(buf))
		}
		rec.Range.Start = binary.LittleEndian.Uint64(buf[9:17])
		rec.Range.End = binary.LittleEndian.Uint64(buf[17:25])
		rec.Generation = binary.LittleEndian.Uint32(buf[25:29])
		rec.Slot = binary.LittleEndian.Uint64(buf[29:37])
		rec.Offset = binary.LittleEndian.Uint64(buf[37:45])
		rec.Length = binary.LittleEndian.Uint32(buf[45:49])
		rec.FrameCRC = binary.LittleEndian.Uint32(buf[49:53])
	case RecordSeal:
		if len(buf) < sealRecordSize {
			return Record{}, fmt.Errorf("%w: seal needs %d bytes, got %d", ErrShortRecord, sealRecordSize, len(buf))
		}
		rec.Range.Start = binary.LittleEndian.Uint64(buf[9:17])
		rec.Range.End = binary.LittleEndian.Uint64(buf[17:25])
		rec.Generation = binary.LittleEndian.Uint32(buf[25:29])
		rec.FinalSize = binary.LittleEndian.Uint64(buf[29:37])
		rec.FrameCount = binary.LittleEndian.Uint64(buf[37:45])
		rec.Digest = binary.LittleEndian.Uint64(buf[45:53])
	case RecordCommit:
		if len(buf) < commitRecordSize {
			return Record{}, fmt.Errorf("%w: commit needs %d bytes, got %d", ErrShortRecord, commitRecordSize, len(buf))
		}
		rec.Range.Start = binary.LittleEndian.Uint64(buf[9:17])
		rec.Range.End = binary.LittleEndian.Uint64(buf[17:25])
	case RecordAbandon:
		if len(buf) < abandonRecordSize {
			return Record{}, fmt.Errorf("%w: abandon needs %d bytes, got %d", ErrShortRecord, abandonRecordSize, len(buf))
		}
		rec.Range.Start = binary.LittleEndian.Uint64(buf[9:17])
		rec.Range.End = binary.LittleEndian.Uint64(buf[17:25])
		rec.Generation = binary.LittleEndian.Uint32(buf[25:29])
		rec.Reason = AbandonReason(buf[29])
	case RecordRooted:
		if len(buf) < rootedRecordSize {
			return Record{}, fmt.Errorf("%w: rooted needs %d bytes, got %d", ErrShortRecord, rootedRecordSize, len(buf))
		}
		rec.Slot = binary.LittleEndian.Uint64(buf[9:17])
	case RecordAligned:
		if len(buf) < alignedRecordSize {
			return Record{}, fmt.Errorf("%w: aligned needs %d bytes, got %d", ErrShortRecord, alignedRecordSize, len(buf))
		}
		rec.Slot = binary.LittleEndian.Uint64(buf[9:17])
	case RecordCheckpoint:
		snap, err := decodeSnapshot(buf[recordPrefixSize:])
		if err != nil {
			return Record{}, fmt.Errorf("decode checkpoint: %w", err)
		}
		rec.Snapshot = snap
	default:
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownRecordKind, buf[0])
	}
	return rec, nil
}
