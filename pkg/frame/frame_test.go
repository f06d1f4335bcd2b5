package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotvault/slotvault/pkg/update"
)

var testObservedAt = time.UnixMicro(1700000000123456).UTC()

func testUpdate(kind update.Kind, slot uint64, payload []byte) update.SlotUpdate {
	return update.SlotUpdate{Kind: kind, Slot: slot, Payload: payload, ObservedAt: testObservedAt}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	enc := NewEncoder(PolicyBest)

	updates := []update.SlotUpdate{
		testUpdate(update.KindAccountUpdate, 0, bytes.Repeat([]byte("account state "), 64)),
		testUpdate(update.KindTransaction, 1499, []byte("tiny tx")),
		testUpdate(update.KindBlockMetadata, 1<<40, bytes.Repeat([]byte{0xAB}, 4096)),
		testUpdate(update.KindSlotStatus, 7, []byte{byte(update.StatusRooted)}),
	}

	for _, u := range updates {
		buf, err := enc.Encode(u)
		require.NoError(t, err, "kind %s", u.Kind)

		got, rest, err := Decode(buf)
		require.NoError(t, err, "kind %s", u.Kind)
		assert.Empty(t, rest)
		assert.Equal(t, u.Kind, got.Kind)
		assert.Equal(t, u.Slot, got.Slot)
		assert.Equal(t, u.Payload, got.Payload)
		assert.Equal(t, u.ObservedAt.UnixMicro(), got.ObservedAt.UnixMicro())

		// re-encoding under a fixed policy is byte-identical
		again, err := NewEncoder(PolicyNone).Encode(got)
		require.NoError(t, err)
		reDecoded, _, err := Decode(again)
		require.NoError(t, err)
		assert.Equal(t, got.Payload, reDecoded.Payload)
	}
}

func TestEncode_PerMethodPolicies(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible payload text "), 128)
	for policy, wantMethod := range map[Policy]Method{
		PolicyNone: MethodNone,
		PolicyGzip: MethodGzip,
		PolicyZstd: MethodZstd,
	} {
		buf, err := NewEncoder(policy).Encode(testUpdate(update.KindTransaction, 9, payload))
		require.NoError(t, err)

		got, method, rest, err := decodeFrame(buf)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, wantMethod, method)
		assert.Equal(t, payload, got.Payload)
	}
}

func TestCompressBest_PrefersSmallest(t *testing.T) {
	compressible := bytes.Repeat([]byte("aaaaaaaabbbbbbbb"), 512)
	method, out, err := compressBest(compressible)
	require.NoError(t, err)
	assert.NotEqual(t, MethodNone, method, "repetitive payload should compress")
	assert.Less(t, len(out), len(compressible))

	// two bytes cannot shrink under any envelope
	method, out, err = compressBest([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, MethodNone, method)
	assert.Equal(t, []byte{0x01, 0x02}, out)
}

func TestDecode_SingleBitFlip(t *testing.T) {
	buf, err := NewEncoder(PolicyNone).Encode(testUpdate(update.KindAccountUpdate, 3, []byte("payload under test")))
	require.NoError(t, err)

	buf[frameHeaderSize+4] ^= 0x01
	_, _, err = Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidCRC)
}

func TestDecode_Truncated(t *testing.T) {
	buf, err := NewEncoder(PolicyNone).Encode(testUpdate(update.KindAccountUpdate, 3, []byte("payload under test")))
	require.NoError(t, err)

	for _, cut := range []int{0, 4, frameHeaderSize, len(buf) - 1} {
		_, _, err := Decode(buf[:cut])
		assert.ErrorIs(t, err, ErrTruncatedFrame, "cut=%d", cut)
	}
}

func TestDecode_LengthBombRejected(t *testing.T) {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[4:8], MaxBody+1)
	_, _, err := Decode(hdr[:])
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecode_UnknownKindRejected(t *testing.T) {
	buf, err := NewEncoder(PolicyNone).Encode(testUpdate(update.KindTransaction, 3, []byte("x")))
	require.NoError(t, err)

	body := buf[frameHeaderSize:]
	body[0] = 99
	binary.LittleEndian.PutUint32(buf[0:4], crc32.Checksum(buf[4:], crcTable))

	_, _, err = Decode(buf)
	assert.ErrorIs(t, err, ErrBadKind)
}

// fixture produced by the reference bzip2 tool over the payload below.
const bzip2FixtureHex = "425a68393141592653591be810cf0000101980400010003e66dd302000314c989906461468d341b4989e4bc3364a8a5eb6e17ab2efc12c7bb1c8128474043e2ee48a70a12037d0219e"

func TestDecode_Bzip2Compatibility(t *testing.T) {
	compressed, err := hex.DecodeString(bzip2FixtureHex)
	require.NoError(t, err)
	wantPayload := []byte("slot archive bzip2 compatibility payload")

	body := make([]byte, bodyFixedSize+len(compressed))
	body[0] = byte(update.KindBlockMetadata)
	body[1] = byte(MethodBzip2)
	binary.LittleEndian.PutUint64(body[2:10], 42)
	binary.LittleEndian.PutUint64(body[10:18], uint64(testObservedAt.UnixMicro()))
	copy(body[bodyFixedSize:], compressed)

	buf := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	binary.LittleEndian.PutUint32(buf[0:4], crc32.Checksum(buf[4:], crcTable))

	got, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, wantPayload, got.Payload)
	assert.Equal(t, uint64(42), got.Slot)
}

func TestCompress_Bzip2IsDecodeOnly(t *testing.T) {
	_, err := compress(MethodBzip2, []byte("x"))
	assert.ErrorIs(t, err, ErrMethodReadOnly)
}

func TestReader_StreamsFrames(t *testing.T) {
	enc := NewEncoder(PolicyZstd)
	var stream bytes.Buffer
	var want []uint64
	for slot := uint64(100); slot < 110; slot++ {
		buf, err := enc.Encode(testUpdate(update.KindTransaction, slot, bytes.Repeat([]byte("tx"), 200)))
		require.NoError(t, err)
		stream.Write(buf)
		want = append(want, slot)
	}

	r := NewReader(&stream)
	var got []uint64
	for {
		u, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, u.Slot)
	}
	assert.Equal(t, want, got)
}

func TestReader_TruncatedTail(t *testing.T) {
	enc := NewEncoder(PolicyNone)
	full, err := enc.Encode(testUpdate(update.KindAccountUpdate, 1, []byte("first")))
	require.NoError(t, err)
	partial, err := enc.Encode(testUpdate(update.KindAccountUpdate, 2, []byte("second, torn")))
	require.NoError(t, err)

	stream := bytes.NewReader(append(full, partial[:len(partial)-3]...))
	r := NewReader(stream)

	u, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Slot)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{
		"":     PolicyBest,
		"best": PolicyBest,
		"none": PolicyNone,
		"gzip": PolicyGzip,
		"zstd": PolicyZstd,
	} {
		got, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", s)
	}

	_, err := ParsePolicy("lz4")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
