package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Codec turns application messages into bytes and back. Marshal runs on a
// codec worker, never on the caller of Send.
type Codec[M any] interface {
	Marshal(msg M) ([]byte, error)
	Unmarshal(data []byte) (M, error)
}

// BytesCodec passes []byte messages through untouched.
type BytesCodec struct{}

func (BytesCodec) Marshal(msg []byte) ([]byte, error)  { return msg, nil }
func (BytesCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

// ErrTooLarge is returned when a decoded message would exceed its bound.
var ErrTooLarge = errors.New("transport: message too large")

// LZ4Codec compresses the output of Inner with LZ4 frames. Unmarshal
// refuses frames that inflate past MaxSize bytes; zero means
// DefaultMaxMessageSize.
type LZ4Codec[M any] struct {
	Inner   Codec[M]
	MaxSize int
}

func (c LZ4Codec[M]) Marshal(msg M) ([]byte, error) {
	raw, err := c.Inner.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c LZ4Codec[M]) Unmarshal(data []byte) (M, error) {
	var zero M
	limit := c.MaxSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	zr := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(limit)+1)
	raw, err := io.ReadAll(zr)
	if err != nil {
		return zero, fmt.Errorf("lz4 decompress: %w", err)
	}
	if len(raw) > limit {
		return zero, fmt.Errorf("lz4 decompress: %w: over %d bytes", ErrTooLarge, limit)
	}
	return c.Inner.Unmarshal(raw)
}
