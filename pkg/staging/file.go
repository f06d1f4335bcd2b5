package staging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/slotvault/slotvault/pkg/frame"
	"github.com/slotvault/slotvault/pkg/slotrange"
	"github.com/slotvault/slotvault/pkg/update"
)

var (
	ErrBadDataHeader   = errors.New("staged file header is invalid")
	errDigestMismatch  = errors.New("staged file digest mismatch")
	errSizeMismatch    = errors.New("staged file size does not match its seal")
	errJournaledBeyond = errors.New("staged file is shorter than its journaled extent")
)

/* Staged Data File Layout (little-endian, 64-byte header then frames):
┌──────────────────────────────────────────────────────────────┐
│ 0..3   magic "SVDF"                                          │
│ 4..5   u16 version                                           │
│ 6..7   reserved                                              │
│ 8..15  u64 range start slot                                  │
│ 16..23 u64 range end slot                                    │
│ 24..27 u32 generation                                        │
│ 28..35 i64 created-at, unix micros                           │
│ 36..55 reserved                                              │
│ 56..59 u32 CRC32C of bytes 0..55                             │
│ 60..63 padding                                               │
└──────────────────────────────────────────────────────────────┘
External readers skip the header and stream frames to EOF.
*/

const (
	dataFileMagic   = 0x53564446
	dataFileVersion = 1

	dataHeaderSize = 64
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func encodeDataHeader(buf []byte, r slotrange.Range, generation uint32, createdAt time.Time) {
	binary.LittleEndian.PutUint32(buf[0:4], dataFileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], dataFileVersion)
	binary.LittleEndian.PutUint64(buf[8:16], r.Start)
	binary.LittleEndian.PutUint64(buf[16:24], r.End)
	binary.LittleEndian.PutUint32(buf[24:28], generation)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(createdAt.UnixMicro()))
	binary.LittleEndian.PutUint32(buf[56:60], crc32.Checksum(buf[0:56], crcTable))
}

func checkHeaderFormat(buf []byte) error {
	if len(buf) < dataHeaderSize {
		return fmt.Errorf("%w: short header", ErrBadDataHeader)
	}
	saved := binary.LittleEndian.Uint32(buf[56:60])
	computed := crc32.Checksum(buf[0:56], crcTable)
	if saved != computed {
		return fmt.Errorf("%w: CRC mismatch, expected %08x, got %08x", ErrBadDataHeader, saved, computed)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != dataFileMagic {
		return fmt.Errorf("%w: bad magic %08x", ErrBadDataHeader, magic)
	}
	if version := binary.LittleEndian.Uint16(buf[4:6]); version != dataFileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadDataHeader, version)
	}
	return nil
}

func checkDataHeader(buf []byte, r slotrange.Range, generation uint32) error {
	if err := checkHeaderFormat(buf); err != nil {
		return err
	}
	start := binary.LittleEndian.Uint64(buf[8:16])
	end := binary.LittleEndian.Uint64(buf[16:24])
	gen := binary.LittleEndian.Uint32(buf[24:28])
	if start != r.Start || end != r.End || gen != generation {
		return fmt.Errorf("%w: header names range [%d,%d] gen %d, journal says %s gen %d",
			ErrBadDataHeader, start, end, gen, r, generation)
	}
	return nil
}

// ReadDataFile opens a staged or committed data file, validates its header
// and returns every decoded frame. This is the verification path for tools
// and tests; the write pipeline never reads frames back.
func ReadDataFile(path string) ([]update.SlotUpdate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [dataHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataHeader, err)
	}
	if err := checkHeaderFormat(header[:]); err != nil {
		return nil, err
	}

	var out []update.SlotUpdate
	r := frame.NewReader(f)
	for {
		u, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
}

// dataFile is one open staged generation. All mutation happens under the
// owning range's lock; Sync alone is also called by the journal writer as
// the pre-append data flush.
type dataFile struct {
	path        string
	file        *os.File
	size        int64
	frames      uint64
	highestSlot uint64
	digest      *xxhash.Digest
}

// createDataFile starts a fresh generation at path, truncating any
// un-journaled leftovers from a previous life of the same path.
func createDataFile(path string, r slotrange.Range, generation uint32, now time.Time) (*dataFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	var header [dataHeaderSize]byte
	encodeDataHeader(header[:], r, generation, now)
	if _, err := f.WriteAt(header[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write staged file header: %w", err)
	}
	return &dataFile{
		path:   path,
		file:   f,
		size:   dataHeaderSize,
		digest: xxhash.New(),
	}, nil
}

// reopenDataFile re-arms an open generation from its journaled extent: any
// on-disk tail past size is truncated and the running digest is re-primed
// from the surviving frame bytes.
func reopenDataFile(path string, r slotrange.Range, generation uint32, size int64, frames, highestSlot uint64) (*dataFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var header [dataHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, dataHeaderSize), header[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadDataHeader, err)
	}
	if err := checkDataHeader(header[:], r, generation); err != nil {
		_ = f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < size {
		_ = f.Close()
		return nil, fmt.Errorf("%w: journaled %d bytes, file has %d", errJournaledBeyond, size, info.Size())
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate staged file tail: %w", err)
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(f, dataHeaderSize, size-dataHeaderSize)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("re-prime staged file digest: %w", err)
	}

	return &dataFile{
		path:        path,
		file:        f,
		size:        size,
		frames:      frames,
		highestSlot: highestSlot,
		digest:      digest,
	}, nil
}

// verifyStagedFile checks a sealed generation against its journaled seal:
// exact size and the xxhash64 digest over the frame region.
func verifyStagedFile(path string, r slotrange.Range, generation uint32, size int64, wantDigest uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var header [dataHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, dataHeaderSize), header[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDataHeader, err)
	}
	if err := checkDataHeader(header[:], r, generation); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != size {
		return fmt.Errorf("%w: sealed at %d bytes, file has %d", errSizeMismatch, size, info.Size())
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(f, dataHeaderSize, size-dataHeaderSize)); err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	if sum := digest.Sum64(); sum != wantDigest {
		return fmt.Errorf("%w: sealed %016x, file %016x", errDigestMismatch, wantDigest, sum)
	}
	return nil
}

// appendFrame writes one encoded frame at the tail and returns its offset.
func (d *dataFile) appendFrame(frameBytes []byte, slot uint64) (int64, error) {
	offset := d.size
	if _, err := d.file.WriteAt(frameBytes, offset); err != nil {
		return 0, fmt.Errorf("append frame: %w", err)
	}
	_, _ = d.digest.Write(frameBytes)
	d.size += int64(len(frameBytes))
	d.frames++
	if slot > d.highestSlot {
		d.highestSlot = slot
	}
	return offset, nil
}

// Sync flushes the file's bytes. Implements the journal's data syncer hook.
func (d *dataFile) Sync() error {
	return d.file.Sync()
}

func (d *dataFile) close() error {
	return d.file.Close()
}
