package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrClosed         = errors.New("the journal is closed")
	ErrSegmentSealed  = errors.New("cannot write to sealed journal segment")
	ErrSegmentFull    = errors.New("journal segment is full")
	ErrRecordTooLarge = errors.New("record exceeds journal segment capacity")
	ErrCorruptRecord  = errors.New("corrupt journal record")
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)
	// marker written after every record to detect torn/incomplete writes.
	// Recovery stops at the first record whose trailer is missing.
	trailerMarker = []byte{0x5C, 0x0F, 0xFE, 0xE5, 0xC0, 0xFF, 0xEE, 0x05}
)

const trailerWord uint64 = 0x05EEFFC0E5FE0F5C

const (
	segmentHeaderSize = 64
	// "SLJL"
	segmentMagicNumber   = 0x534C4A4C
	segmentHeaderVersion = 1

	flagActive uint32 = 1 << 0
	flagSealed uint32 = 1 << 1

	// layout: 4 (checksum) + 4 (length) = 8 bytes
	recordHeaderSize        = 8
	recordTrailerMarkerSize = 8

	// default segment size of 16MB; 4 GiB hard cap.
	defaultSegmentSize = 16 * 1024 * 1024
	maxSegmentSize     = 4 * 1024 * 1024 * 1024

	fileModePerm = 0644

	// all entries (headers, payloads, trailers) are aligned to this
	// boundary so partially written headers rarely straddle pages.
	alignSize int64 = 8
	alignMask int64 = alignSize - 1
)

/* Segment Header Layout (little-endian, 64 bytes):
┌──────────────────────────────────────────────────────────────┐
│ 0..3   magic "SLJL"                                          │
│ 4..7   u32 version                                           │
│ 8..15  i64 created-at, unix nanos                            │
│ 16..23 i64 last-modified, unix nanos                         │
│ 24..31 u64 write offset                                      │
│ 32..39 u64 record count                                      │
│ 40..43 u32 flags (active / sealed)                           │
│ 44..51 u64 first sequence number in segment                  │
│ 52..55 reserved                                              │
│ 56..59 u32 CRC32C of bytes 0..55                             │
│ 60..63 padding                                               │
└──────────────────────────────────────────────────────────────┘

Record Layout:
┌──────────────────────────────────────────────────────────────┐
│ 0..3   CRC32C(header[4:8] || payload)                        │
│ 4..7   u32 payload length                                    │
│ 8..(8+len-1)  payload                                        │
│ (8+len)..(16+len-1)  trailer 0x5C0FFEE5C0FFEE05              │
│ ... zero padding to next 8-byte boundary                     │
└──────────────────────────────────────────────────────────────┘
*/

type segmentHeader struct {
	Magic          uint32
	Version        uint32
	CreatedAt      int64
	LastModifiedAt int64
	WriteOffset    int64
	RecordCount    uint64
	Flags          uint32
	FirstSeq       uint64
}

func decodeSegmentHeader(buf []byte) (*segmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	saved := binary.LittleEndian.Uint32(buf[56:60])
	computed := crc32.Checksum(buf[0:56], crcTable)
	if saved != computed {
		return nil, fmt.Errorf("segment header CRC mismatch: expected %08x, got %08x", saved, computed)
	}

	h := &segmentHeader{
		Magic:          binary.LittleEndian.Uint32(buf[0:4]),
		Version:        binary.LittleEndian.Uint32(buf[4:8]),
		CreatedAt:      int64(binary.LittleEndian.Uint64(buf[8:16])),
		LastModifiedAt: int64(binary.LittleEndian.Uint64(buf[16:24])),
		WriteOffset:    int64(binary.LittleEndian.Uint64(buf[24:32])),
		RecordCount:    binary.LittleEndian.Uint64(buf[32:40]),
		Flags:          binary.LittleEndian.Uint32(buf[40:44]),
		FirstSeq:       binary.LittleEndian.Uint64(buf[44:52]),
	}
	if h.Magic != segmentMagicNumber {
		return nil, fmt.Errorf("bad segment magic %08x", h.Magic)
	}
	if h.Version != segmentHeaderVersion {
		return nil, fmt.Errorf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

// segment is one preallocated, memory-mapped journal file. It is owned by a
// single goroutine at a time (the replay loop during open, the writer loop
// afterwards), so it carries no locking of its own.
type segment struct {
	path        string
	id          uint32
	fd          *os.File
	mmapData    mmap.MMap
	mmapSize    int64
	writeOffset int64
	firstSeq    uint64
	sealed      bool
	closed      bool
	header      [recordHeaderSize]byte
	logger      *slog.Logger
}

// segmentFileName returns the file name of a journal segment.
func segmentFileName(dir string, ext string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%09d"+ext, id))
}

// openSegment opens an existing segment file or creates a new one.
// For an existing unsealed segment the record area is scanned to find the
// true end of valid data; the saved write offset is not trusted after a
// crash.
func openSegment(dir, ext string, id uint32, size int64, logger *slog.Logger) (*segment, error) {
	if size > maxSegmentSize {
		return nil, fmt.Errorf("segment size exceeds 4 GiB limit: %d bytes", size)
	}

	path := segmentFileName(dir, ext, id)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if statErr != nil && !isNew {
		return nil, fmt.Errorf("stat segment: %w", statErr)
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate error: %w", err)
	}
	mmapData, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}

	s := &segment{
		path:     path,
		id:       id,
		fd:       fd,
		mmapData: mmapData,
		mmapSize: size,
		logger:   logger,
	}

	if isNew {
		s.writeInitialHeader()
		s.writeOffset = segmentHeaderSize
		return s, nil
	}

	h, err := decodeSegmentHeader(mmapData[:segmentHeaderSize])
	if err != nil {
		_ = mmapData.Unmap()
		_ = fd.Close()
		return nil, fmt.Errorf("decode segment header: %w", err)
	}
	s.firstSeq = h.FirstSeq

	if h.Flags&flagSealed != 0 {
		s.sealed = true
		s.writeOffset = h.WriteOffset
	} else {
		s.writeOffset = s.scanForLastOffset()
	}
	return s, nil
}

func (s *segment) writeInitialHeader() {
	binary.LittleEndian.PutUint32(s.mmapData[0:4], segmentMagicNumber)
	binary.LittleEndian.PutUint32(s.mmapData[4:8], segmentHeaderVersion)
	now := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint64(s.mmapData[8:16], now)
	binary.LittleEndian.PutUint64(s.mmapData[16:24], now)
	binary.LittleEndian.PutUint64(s.mmapData[24:32], segmentHeaderSize)
	binary.LittleEndian.PutUint64(s.mmapData[32:40], 0)
	binary.LittleEndian.PutUint32(s.mmapData[40:44], flagActive)
	binary.LittleEndian.PutUint64(s.mmapData[44:52], 0)
	s.stampHeaderCRC()
}

func (s *segment) stampHeaderCRC() {
	crc := crc32.Checksum(s.mmapData[0:56], crcTable)
	binary.LittleEndian.PutUint32(s.mmapData[56:60], crc)
}

// alignUp returns the next multiple of alignSize greater than or equal to n.
func alignUp(n int64) int64 {
	return (n + alignMask) & ^alignMask
}

func crc32Checksum(header []byte, data []byte) uint32 {
	sum := crc32.Checksum(header, crcTable)
	return crc32.Update(sum, crcTable, data)
}

func recordOverhead(dataLen int64) int64 {
	return alignUp(recordHeaderSize + dataLen + recordTrailerMarkerSize)
}

// scanForLastOffset walks records from the top of the segment until the
// first invalid entry and returns the offset where valid data ends.
func (s *segment) scanForLastOffset() int64 {
	return s.scanRecords(nil)
}

// scanRecords iterates valid records, handing each payload slice to the
// visitor, and returns the end offset of the valid prefix. The payload slice
// aliases the mmap and must not be retained.
func (s *segment) scanRecords(visitor func(offset int64, payload []byte) bool) int64 {
	var offset int64 = segmentHeaderSize

	for offset+recordHeaderSize <= s.mmapSize {
		offset = alignUp(offset)
		if offset+recordHeaderSize > s.mmapSize {
			break
		}

		header := s.mmapData[offset : offset+recordHeaderSize]
		length := binary.LittleEndian.Uint32(header[4:8])
		entrySize := recordOverhead(int64(length))

		if offset+entrySize > s.mmapSize {
			break
		}

		data := s.mmapData[offset+recordHeaderSize : offset+recordHeaderSize+int64(length)]
		trailerOffset := offset + recordHeaderSize + int64(length)
		trailer := binary.LittleEndian.Uint64(s.mmapData[trailerOffset : trailerOffset+recordTrailerMarkerSize])

		savedSum := binary.LittleEndian.Uint32(header[:4])
		if savedSum == 0 && length == 0 {
			// clean end of written data
			break
		}
		if savedSum != crc32Checksum(header[4:], data) || trailer != trailerWord {
			s.logger.Warn("journal segment scan stopped at invalid record",
				slog.Int64("offset", offset),
				slog.String("segment", s.path),
				slog.Bool("trailer_torn", trailer != trailerWord))
			break
		}

		if visitor != nil && !visitor(offset, data) {
			offset += entrySize
			break
		}
		offset += entrySize
	}

	return offset
}

// willExceed reports whether a payload of the given size would overflow the
// segment.
func (s *segment) willExceed(dataLen int) bool {
	return s.writeOffset+recordOverhead(int64(dataLen)) > s.mmapSize
}

// write appends one record. firstSeq is stamped into the header on the
// segment's first record.
func (s *segment) write(payload []byte, seq uint64) error {
	if s.closed {
		return ErrClosed
	}
	if s.sealed {
		return ErrSegmentSealed
	}

	dataSize := int64(len(payload))
	rawSize := recordHeaderSize + dataSize + recordTrailerMarkerSize
	entrySize := alignUp(rawSize)

	if entrySize > s.mmapSize-segmentHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}
	offset := s.writeOffset
	if offset+entrySize > s.mmapSize {
		return ErrSegmentFull
	}

	if binary.LittleEndian.Uint64(s.mmapData[32:40]) == 0 {
		s.firstSeq = seq
		binary.LittleEndian.PutUint64(s.mmapData[44:52], seq)
	}

	binary.LittleEndian.PutUint32(s.header[4:8], uint32(len(payload)))
	sum := crc32Checksum(s.header[4:8], payload)
	binary.LittleEndian.PutUint32(s.header[0:4], sum)

	copy(s.mmapData[offset:], s.header[:])
	copy(s.mmapData[offset+recordHeaderSize:], payload)
	copy(s.mmapData[offset+recordHeaderSize+dataSize:], trailerMarker)
	for i := offset + rawSize; i < offset+entrySize; i++ {
		s.mmapData[i] = 0
	}

	s.writeOffset = offset + entrySize

	binary.LittleEndian.PutUint64(s.mmapData[24:32], uint64(s.writeOffset))
	count := binary.LittleEndian.Uint64(s.mmapData[32:40])
	binary.LittleEndian.PutUint64(s.mmapData[32:40], count+1)
	binary.LittleEndian.PutUint64(s.mmapData[16:24], uint64(time.Now().UnixNano()))
	s.stampHeaderCRC()

	return nil
}

// seal clears the active bit, fixes the write offset in the header and
// flushes. Sealed segments are immutable.
func (s *segment) seal() error {
	if s.closed {
		return ErrClosed
	}
	if s.sealed {
		return nil
	}

	now := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint64(s.mmapData[16:24], now)
	binary.LittleEndian.PutUint64(s.mmapData[24:32], uint64(s.writeOffset))
	flags := binary.LittleEndian.Uint32(s.mmapData[40:44])
	flags &^= flagActive
	flags |= flagSealed
	binary.LittleEndian.PutUint32(s.mmapData[40:44], flags)
	s.stampHeaderCRC()
	s.sealed = true

	return s.sync()
}

// sync msyncs the mapping and fsyncs the underlying file.
func (s *segment) sync() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	return nil
}

func (s *segment) recordCount() uint64 {
	return binary.LittleEndian.Uint64(s.mmapData[32:40])
}

func (s *segment) close() error {
	if s.closed {
		return nil
	}
	if err := s.sync(); err != nil {
		_ = s.mmapData.Unmap()
		_ = s.fd.Close()
		s.closed = true
		return fmt.Errorf("sync error during close: %w", err)
	}
	s.closed = true
	if err := s.mmapData.Unmap(); err != nil {
		_ = s.fd.Close()
		return fmt.Errorf("unmap error: %w", err)
	}
	if err := s.fd.Close(); err != nil {
		return fmt.Errorf("file close error: %w", err)
	}
	return nil
}

// remove unmaps, closes and deletes the segment file.
func (s *segment) remove() error {
	if !s.closed {
		s.closed = true
		_ = s.mmapData.Unmap()
		_ = s.fd.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment: %w", err)
	}
	return nil
}
