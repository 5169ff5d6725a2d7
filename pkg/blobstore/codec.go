package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names accepted by NewCodec.
const (
	CodecNone = "none"
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
)

// Every encoded blob starts with a one byte tag naming the codec that wrote
// it, so a store can change codecs without rewriting old blobs.
const (
	tagNone byte = 0
	tagZstd byte = 1
	tagLZ4  byte = 2
)

// ErrUnknownCodec is returned for blobs or names the codec table doesn't know.
var ErrUnknownCodec = errors.New("unknown blob codec")

// Codec compresses blobs before they hit the backing store.
type Codec struct {
	tag byte
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec returns the codec for name. The empty name selects zstd.
func NewCodec(name string) (*Codec, error) {
	c := &Codec{}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c.dec = dec

	switch name {
	case "", CodecZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.tag = tagZstd
		c.enc = enc
	case CodecLZ4:
		c.tag = tagLZ4
	case CodecNone:
		c.tag = tagNone
	default:
		c.dec.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}

	return c, nil
}

// Encode returns the tagged, compressed form of data.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	out := []byte{c.tag}
	switch c.tag {
	case tagZstd:
		return c.enc.EncodeAll(data, out), nil
	case tagLZ4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return append(out, data...), nil
	}
}

// Decode reverses Encode, whichever codec wrote the blob.
func (c *Codec) Decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrUnknownCodec)
	}

	body := blob[1:]
	switch blob[0] {
	case tagNone:
		return append([]byte(nil), body...), nil
	case tagZstd:
		out, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case tagLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCodec, blob[0])
	}
}

// Close releases the codec's encoder and decoder.
func (c *Codec) Close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}
