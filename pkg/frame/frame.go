package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/slotvault/slotvault/pkg/update"
)

var (
	ErrInvalidCRC     = errors.New("invalid frame crc, the data may be corrupted")
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrFrameTooLarge  = errors.New("frame length exceeds limit")
	ErrBadKind        = errors.New("frame carries an unknown update kind")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

/* Frame Layout (little-endian, the external archive schema):
┌──────────────────────────────────────────────────────────────┐
│ 0..3    CRC32C(frame[4:])                                    │
│ 4..7    u32 body length                                      │
│ body:                                                        │
│   0     u8  update kind                                      │
│   1     u8  compression method                               │
│   2..9  u64 slot                                             │
│   10..17 i64 observed-at, unix microseconds                  │
│   18..  payload, compressed per method                       │
└──────────────────────────────────────────────────────────────┘
Readers decode committed files with this layout alone.
*/

const (
	frameHeaderSize = 8
	bodyFixedSize   = 18

	// MaxBody caps a single frame body. Anything larger is rejected before
	// allocation on both the encode and decode paths.
	MaxBody = 64 * 1024 * 1024
)

// EncodingError reports a per-record serialization failure. The record is
// dropped and logged; neighboring records are unaffected.
type EncodingError struct {
	Kind update.Kind
	Slot uint64
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: %s slot=%d: %v", e.Kind, e.Slot, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Encoder serializes normalized updates into archive frames under a fixed
// compression policy. Safe for concurrent use.
type Encoder struct {
	policy Policy
}

// NewEncoder returns an Encoder with the given policy.
func NewEncoder(policy Policy) *Encoder {
	return &Encoder{policy: policy}
}

// Encode renders one update as a complete frame.
func (e *Encoder) Encode(u update.SlotUpdate) ([]byte, error) {
	method, payload, err := e.compressPayload(u.Payload)
	if err != nil {
		return nil, &EncodingError{Kind: u.Kind, Slot: u.Slot, Err: err}
	}

	bodyLen := bodyFixedSize + len(payload)
	if bodyLen > MaxBody {
		return nil, &EncodingError{Kind: u.Kind, Slot: u.Slot, Err: ErrFrameTooLarge}
	}

	buf := make([]byte, frameHeaderSize+bodyLen)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bodyLen))

	body := buf[frameHeaderSize:]
	body[0] = byte(u.Kind)
	body[1] = byte(method)
	binary.LittleEndian.PutUint64(body[2:10], u.Slot)
	binary.LittleEndian.PutUint64(body[10:18], uint64(u.ObservedAt.UnixMicro()))
	copy(body[bodyFixedSize:], payload)

	sum := crc32.Checksum(buf[4:], crcTable)
	binary.LittleEndian.PutUint32(buf[0:4], sum)
	return buf, nil
}

func (e *Encoder) compressPayload(payload []byte) (Method, []byte, error) {
	switch e.policy {
	case PolicyBest:
		return compressBest(payload)
	case PolicyNone:
		return MethodNone, payload, nil
	case PolicyGzip:
		out, err := compress(MethodGzip, payload)
		return MethodGzip, out, err
	case PolicyZstd:
		out, err := compress(MethodZstd, payload)
		return MethodZstd, out, err
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, e.policy)
	}
}

// CRC returns the checksum an encoded frame declares in its prefix.
func CRC(frameBytes []byte) uint32 {
	if len(frameBytes) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(frameBytes[0:4])
}

// Decode reads one frame from the front of b and returns the decoded update
// together with the remaining bytes.
func Decode(b []byte) (update.SlotUpdate, []byte, error) {
	u, _, rest, err := decodeFrame(b)
	return u, rest, err
}

func decodeFrame(b []byte) (update.SlotUpdate, Method, []byte, error) {
	if len(b) < frameHeaderSize {
		return update.SlotUpdate{}, 0, nil, ErrTruncatedFrame
	}
	bodyLen := binary.LittleEndian.Uint32(b[4:8])
	if bodyLen < bodyFixedSize || bodyLen > MaxBody {
		return update.SlotUpdate{}, 0, nil, fmt.Errorf("%w: body length %d", ErrFrameTooLarge, bodyLen)
	}
	total := frameHeaderSize + int(bodyLen)
	if len(b) < total {
		return update.SlotUpdate{}, 0, nil, ErrTruncatedFrame
	}

	saved := binary.LittleEndian.Uint32(b[0:4])
	computed := crc32.Checksum(b[4:total], crcTable)
	if saved != computed {
		return update.SlotUpdate{}, 0, nil,
			fmt.Errorf("%w: expected %08x, got %08x", ErrInvalidCRC, saved, computed)
	}

	body := b[frameHeaderSize:total]
	kind := update.Kind(body[0])
	if !kind.Valid() {
		return update.SlotUpdate{}, 0, nil, fmt.Errorf("%w: %d", ErrBadKind, body[0])
	}
	method := Method(body[1])

	payload, err := decompress(method, body[bodyFixedSize:])
	if err != nil {
		return update.SlotUpdate{}, 0, nil, err
	}

	u := update.SlotUpdate{
		Kind:       kind,
		Slot:       binary.LittleEndian.Uint64(body[2:10]),
		Payload:    payload,
		ObservedAt: time.UnixMicro(int64(binary.LittleEndian.Uint64(body[10:18]))).UTC(),
	}
	return u, method, b[total:], nil
}

// Reader streams frames off an io.Reader, e.g. a staged or committed data
// file after its fixed header. Next returns io.EOF at a clean end of stream
// and ErrTruncatedFrame when the stream stops mid-frame.
type Reader struct {
	r      io.Reader
	header [frameHeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next decodes the next frame.
func (fr *Reader) Next() (update.SlotUpdate, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if err == io.EOF {
			return update.SlotUpdate{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return update.SlotUpdate{}, ErrTruncatedFrame
		}
		return update.SlotUpdate{}, err
	}

	bodyLen := binary.LittleEndian.Uint32(fr.header[4:8])
	if bodyLen < bodyFixedSize || bodyLen > MaxBody {
		return update.SlotUpdate{}, fmt.Errorf("%w: body length %d", ErrFrameTooLarge, bodyLen)
	}

	buf := make([]byte, frameHeaderSize+int(bodyLen))
	copy(buf, fr.header[:])
	if _, err := io.ReadFull(fr.r, buf[frameHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return update.SlotUpdate{}, ErrTruncatedFrame
		}
		return update.SlotUpdate{}, err
	}

	u, _, _, err := decodeFrame(buf)
	return u, err
}
