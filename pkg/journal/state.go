package journal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/slotvault/slotvault/pkg/slotrange"
)

// FileState is the journal's view of one staged file generation.
type FileState struct {
	Range      slotrange.Range
	Generation uint32
	// Staged is false while the generation is open for appends. A seal
	// record flips it; by writer ordering every append before the seal is
	// durable once the seal is.
	Staged      bool
	Size        uint64
	FrameCount  uint64
	HighestSlot uint64
	Digest      uint64
}

// FileKey identifies a file generation in the live set.
type FileKey struct {
	Start      uint64
	Generation uint32
}

// State is the live pipeline state as reconstructed from the journal.
// The journal writer maintains one instance by applying every record it
// persists, so checkpoints always describe exactly the records written
// before them. Replay applies each surviving record once, in order, with
// checkpoint records resetting the whole state, and rebuilds an identical
// instance after a crash.
type State struct {
	HighestConfirmed uint64
	HasConfirmed     bool
	HighestObserved  uint64
	HasObserved      bool
	FirstAligned     uint64
	HasFirstAligned  bool
	CommittedThrough uint64
	HasCommitted     bool
	Files            map[FileKey]*FileState
	LastSeq          uint64
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Files: make(map[FileKey]*FileState)}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Files = make(map[FileKey]*FileState, len(s.Files))
	for k, f := range s.Files {
		fc := *f
		c.Files[k] = &fc
	}
	return &c
}

// Apply folds one record into the state.
func (s *State) Apply(rec Record) {
	if rec.Seq > s.LastSeq {
		s.LastSeq = rec.Seq
	}
	switch rec.Kind {
	case RecordAppend:
		key := FileKey{Start: rec.Range.Start, Generation: rec.Generation}
		f := s.Files[key]
		if f == nil {
			f = &FileState{Range: rec.Range, Generation: rec.Generation}
			s.Files[key] = f
		}
		if end := rec.Offset + uint64(rec.Length); end > f.Size {
			f.Size = end
		}
		if rec.Slot > f.HighestSlot {
			f.HighestSlot = rec.Slot
		}
		f.FrameCount++
		s.observe(rec.Slot)
	case RecordSeal:
		key := FileKey{Start: rec.Range.Start, Generation: rec.Generation}
		f := s.Files[key]
		if f == nil {
			f = &FileState{Range: rec.Range, Generation: rec.Generation}
			s.Files[key] = f
		}
		f.Staged = true
		f.Size = rec.FinalSize
		f.FrameCount = rec.FrameCount
		f.Digest = rec.Digest
	case RecordCommit:
		if !s.HasCommitted || rec.Range.End > s.CommittedThrough {
			s.CommittedThrough = rec.Range.End
			s.HasCommitted = true
		}
		for key, f := range s.Files {
			if f.Range == rec.Range {
				delete(s.Files, key)
			}
		}
	case RecordAbandon:
		delete(s.Files, FileKey{Start: rec.Range.Start, Generation: rec.Generation})
	case RecordRooted:
		if !s.HasConfirmed || rec.Slot > s.HighestConfirmed {
			s.HighestConfirmed = rec.Slot
			s.HasConfirmed = true
		}
		s.observe(rec.Slot)
	case RecordAligned:
		if !s.HasFirstAligned {
			s.FirstAligned = rec.Slot
			s.HasFirstAligned = true
		}
	case RecordCheckpoint:
		if rec.Snapshot != nil {
			snap := rec.Snapshot.Clone()
			snap.LastSeq = s.LastSeq
			*s = *snap
		}
	}
}

func (s *State) observe(slot uint64) {
	if !s.HasObserved || slot > s.HighestObserved {
		s.HighestObserved = slot
		s.HasObserved = true
	}
}

// SortedFiles returns the live files ordered by range start then generation,
// for deterministic snapshots and recovery logs.
func (s *State) SortedFiles() []*FileState {
	files := make([]*FileState, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Range.Start != files[j].Range.Start {
			return files[i].Range.Start < files[j].Range.Start
		}
		return files[i].Generation < files[j].Generation
	})
	return files
}

/* Snapshot Layout (little-endian):
┌──────────────────────────────────────────────────────────────┐
│ 0      u8  snapshot version (1)                              │
│ 1      u8  flags: 1 confirmed, 2 observed, 4 aligned, 8 committed │
│ 2..9   u64 highest confirmed slot                            │
│ 10..17 u64 highest observed slot                             │
│ 18..25 u64 first aligned slot                                │
│ 26..33 u64 committed-through slot                            │
│ 34..37 u32 file count                                        │
│ then per file (53 bytes):                                    │
│   u64 range start, u64 range end, u32 generation, u8 staged, │
│   u64 size, u64 frame count, u64 highest slot, u64 digest    │
└──────────────────────────────────────────────────────────────┘
*/

const (
	snapshotVersion    = 1
	snapshotHeaderSize = 38
	snapshotFileSize   = 53

	snapFlagConfirmed = 1 << 0
	snapFlagObserved  = 1 << 1
	snapFlagAligned   = 1 << 2
	snapFlagCommitted = 1 << 3
)

func encodeSnapshot(s *State) []byte {
	files := s.SortedFiles()
	buf := make([]byte, snapshotHeaderSize+len(files)*snapshotFileSize)
	buf[0] = snapshotVersion

	var flags byte
	if s.HasConfirmed {
		flags |= snapFlagConfirmed
	}
	if s.HasObserved {
		flags |= snapFlagObserved
	}
	if s.HasFirstAligned {
		flags |= snapFlagAligned
	}
	if s.HasCommitted {
		flags |= snapFlagCommitted
	}
	buf[1] = flags

	binary.LittleEndian.PutUint64(buf[2:10], s.HighestConfirmed)
	binary.LittleEndian.PutUint64(buf[10:18], s.HighestObserved)
	binary.LittleEndian.PutUint64(buf[18:26], s.FirstAligned)
	binary.LittleEndian.PutUint64(buf[26:34], s.CommittedThrough)
	binary.LittleEndian.PutUint32(buf[34:38], uint32(len(files)))

	off := snapshotHeaderSize
	for _, f := range files {
		binary.LittleEndian.PutUint64(buf[off:off+8], f.Range.Start)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], f.Range.End)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], f.Generation)
		if f.Staged {
			buf[off+20] = 1
		}
		binary.LittleEndian.PutUint64(buf[off+21:off+29], f.Size)
		binary.LittleEndian.PutUint64(buf[off+29:off+37], f.FrameCount)
		binary.LittleEndian.PutUint64(buf[off+37:off+45], f.HighestSlot)
		binary.LittleEndian.PutUint64(buf[off+45:off+53], f.Digest)
		off += snapshotFileSize
	}
	return buf
}

func decodeSnapshot(buf []byte) (*State, error) {
	if len(buf) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: snapshot header", ErrShortRecord)
	}
	if buf[0] != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", buf[0])
	}

	flags := buf[1]
	s := NewState()
	s.HasConfirmed = flags&snapFlagConfirmed != 0
	s.HasObserved = flags&snapFlagObserved != 0
	s.HasFirstAligned = flags&snapFlagAligned != 0
	s.HasCommitted = flags&snapFlagCommitted != 0
	s.HighestConfirmed = binary.LittleEndian.Uint64(buf[2:10])
	s.HighestObserved = binary.LittleEndian.Uint64(buf[10:18])
	s.FirstAligned = binary.LittleEndian.Uint64(buf[18:26])
	s.CommittedThrough = binary.LittleEndian.Uint64(buf[26:34])

	count := binary.LittleEndian.Uint32(buf[34:38])
	want := snapshotHeaderSize + int(count)*snapshotFileSize
	if len(buf) < want {
		return nil, fmt.Errorf("%w: snapshot wants %d bytes, got %d", ErrShortRecord, want, len(buf))
	}

	off := snapshotHeaderSize
	for i := uint32(0); i < count; i++ {
		f := &FileState{
			Range: slotrange.Range{
				Start: binary.LittleEndian.Uint64(buf[off : off+8]),
				End:   binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			},
			Generation:  binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			Staged:      buf[off+20] == 1,
			Size:        binary.LittleEndian.Uint64(buf[off+21 : off+29]),
			FrameCount:  binary.LittleEndian.Uint64(buf[off+29 : off+37]),
			HighestSlot: binary.LittleEndian.Uint64(buf[off+37 : off+45]),
			Digest:      binary.LittleEndian.Uint64(buf[off+45 : off+53]),
		}
		s.Files[FileKey{Start: f.Range.Start, Generation: f.Generation}] = f
		off += snapshotFileSize
	}
	return s, nil
}
