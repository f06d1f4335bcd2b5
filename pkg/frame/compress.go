package frame

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnknownMethod  = errors.New("unknown compression method")
	ErrUnknownPolicy  = errors.New("unknown compression policy")
	ErrMethodReadOnly = errors.New("compression method is decode-only")
)

// Method tags the envelope a payload was compressed with. Tag values are part
// of the on-disk format and match the original archive envelope enum order,
// so archives written by earlier producers stay readable.
type Method uint8

const (
	MethodNone  Method = 0
	MethodBzip2 Method = 1
	MethodGzip  Method = 2
	MethodZstd  Method = 3
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodBzip2:
		return "bzip2"
	case MethodGzip:
		return "gzip"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// Policy selects how payloads are compressed at encode time.
type Policy uint8

const (
	// PolicyBest tries every writable method and keeps the smallest output.
	PolicyBest Policy = iota
	PolicyNone
	PolicyGzip
	PolicyZstd
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "best":
		return PolicyBest, nil
	case "none":
		return PolicyNone, nil
	case "gzip":
		return PolicyGzip, nil
	case "zstd":
		return PolicyZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// shared zstd coders; both are safe for concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("frame: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("frame: init zstd decoder: %v", err))
	}
}

func compress(method Method, data []byte) ([]byte, error) {
	switch method {
	case MethodNone:
		return data, nil
	case MethodGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case MethodZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case MethodBzip2:
		// the standard library ships bzip2 decompression only
		return nil, fmt.Errorf("%w: %s", ErrMethodReadOnly, method)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, method)
	}
}

func decompress(method Method, data []byte) ([]byte, error) {
	switch method {
	case MethodNone:
		return data, nil
	case MethodBzip2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("bzip2 read: %w", err)
		}
		return out, nil
	case MethodGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip open: %w", err)
		}
		out, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	case MethodZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, method)
	}
}

// compressBest compresses with every writable method and returns the
// smallest output. Raw bytes are one of the candidates, so the result never
// exceeds the uncompressed payload.
func compressBest(data []byte) (Method, []byte, error) {
	best := MethodNone
	bestData := data

	for _, method := range []Method{MethodGzip, MethodZstd} {
		out, err := compress(method, data)
		if err != nil {
			return 0, nil, err
		}
		if len(out) < len(bestData) {
			best = method
			bestData = out
		}
	}
	return best, bestData, nil
}
